// Copyright 2025 James Ross
package redisq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

// newTestAdapter spins up a miniredis instance so the same conformance
// scenarios that exercise the in-memory adapter (spec §9: "the same
// test suite runs against the in-memory and distributed adapters to
// validate identical semantics") can run here without a real server.
func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a, err := New(context.Background(), rdb)
	require.NoError(t, err)
	return a
}

func mkJob(id string, priority int, queuedAt int64) job.Job {
	return job.Job{ID: id, Type: "noop", Priority: priority, QueuedAt: queuedAt, MaxRetries: 0}
}

func TestRedisFIFOWithinPriority(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j1", 5, 1000)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j2", 5, 2000)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j3", 5, 3000)))

	for _, want := range []string{"j1", "j2", "j3"} {
		got, err := a.Dequeue(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
	}
}

func TestRedisPriorityWins(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("low", 10, 1)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("high", 1, 2)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("mid", 5, 3)))

	for _, want := range []string{"high", "mid", "low"} {
		got, err := a.Dequeue(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
	}
}

func TestRedisRetryPreservesPosition(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	j1 := mkJob("J1", 5, 1000)
	j1.MaxRetries = 3
	require.NoError(t, a.Enqueue(ctx, "q", j1))

	got, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, "J1", got.ID)

	decision, err := a.FailJob(ctx, "J1", "", "boom")
	require.NoError(t, err)
	assert.Equal(t, storage.DecisionRetry, decision)

	require.NoError(t, a.Enqueue(ctx, "q", mkJob("J2", 5, 2000)))

	next, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "J1", next.ID)
	assert.Equal(t, 1, next.Retries)

	next2, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "J2", next2.ID)
}

func TestRedisTerminalFailureAfterCap(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	j := mkJob("J", 5, 1)
	j.MaxRetries = 2
	require.NoError(t, a.Enqueue(ctx, "q", j))

	for i := 0; i < 3; i++ {
		_, err := a.Dequeue(ctx, "q")
		require.NoError(t, err)
		_, err = a.FailJob(ctx, "J", "", fmt.Sprintf("fail %d", i))
		require.NoError(t, err)
	}

	got, err := a.GetJob(ctx, "J")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Retries)

	next, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRedisCompleteJobIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j", 1, 1)))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	ok1, err := a.CompleteJob(ctx, "j", nil)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := a.CompleteJob(ctx, "j", nil)
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestRedisCancelJobFromRunning(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j", 1, 1)))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	ok, err := a.CancelJob(ctx, "j", "user requested")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := a.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestRedisFailJobTerminalIgnoresRetryBudget(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	j := mkJob("j", 1, 1)
	j.MaxRetries = 5
	require.NoError(t, a.Enqueue(ctx, "q", j))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	ok, err := a.FailJobTerminal(ctx, "j", "HANDLER_NOT_FOUND", "no handler")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := a.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "HANDLER_NOT_FOUND", got.Err.Code)

	next, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRedisListStaleFiltersByStartedAt(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("old", 1, 1)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("fresh", 1, 2)))

	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)

	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	_, err = a.Dequeue(ctx, "q")
	require.NoError(t, err)

	stale, err := a.ListStale(ctx, "q", cutoff)
	require.NoError(t, err)
	require.Len(t, stale, 0)

	future := time.Now().Add(time.Hour)
	stale, err = a.ListStale(ctx, "q", future)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestRedisGetStatsTotalsMatch(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("a", 1, 1)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("b", 1, 2)))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	stats, err := a.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestRedisHealthCheckReflectsServer(t *testing.T) {
	a := newTestAdapter(t)
	h, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
}

func TestRedisUpdateJobAppliesPatch(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j", 5, 1)))

	newPriority := 1
	require.NoError(t, a.UpdateJob(ctx, "j", storage.Patch{Priority: &newPriority}))

	got, err := a.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)
}
