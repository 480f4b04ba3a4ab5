// Copyright 2025 James Ross
package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

func mkJob(id string, priority int, queuedAt int64) job.Job {
	return job.Job{ID: id, Type: "noop", Priority: priority, QueuedAt: queuedAt, MaxRetries: 0}
}

func TestFIFOWithinPriority(t *testing.T) {
	a := New()
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

func TestPriorityWins(t *testing.T) {
	a := New()
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

func TestRetryPreservesPosition(t *testing.T) {
	a := New()
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
	assert.Equal(t, "J1", next.ID, "retried job keeps its original position ahead of newly enqueued same-priority work")
	assert.Equal(t, 1, next.Retries)

	next2, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "J2", next2.ID)
}

func TestTerminalFailureAfterCap(t *testing.T) {
	a := New()
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

func TestConcurrentDequeueUniqueness(t *testing.T) {
	a := New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Enqueue(ctx, "q", mkJob(fmt.Sprintf("j%d", i), 1, int64(i))))
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Dequeue(ctx, "q")
			require.NoError(t, err)
			require.NotNil(t, got)
			mu.Lock()
			seen[got.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 10)
}

func TestCompleteJobIsIdempotent(t *testing.T) {
	a := New()
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j", 1, 1)))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	ok1, err := a.CompleteJob(ctx, "j", nil)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := a.CompleteJob(ctx, "j", nil)
	require.NoError(t, err)
	assert.False(t, ok2, "second completion is a no-op")
}

func TestListJobsPagination(t *testing.T) {
	a := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Enqueue(ctx, "q", mkJob(fmt.Sprintf("j%d", i), 1, int64(i))))
	}

	page, err := a.ListJobs(ctx, "q", storage.ListFilter{Status: []job.Status{job.StatusQueued}, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, j := range page {
		assert.Equal(t, job.StatusQueued, j.Status)
	}
}

func TestGetStatsTotalsMatch(t *testing.T) {
	a := New()
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("a", 1, 1)))
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("b", 1, 2)))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	stats, err := a.GetQueueStats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, stats.Queued+stats.Running+stats.Completed+stats.Failed+stats.Cancelled, stats.Total)
	assert.Equal(t, 2, stats.Total)
}

func TestCancelJobFromRunning(t *testing.T) {
	a := New()
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

func TestFailJobTerminalIgnoresRetryBudget(t *testing.T) {
	a := New()
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
	assert.NotNil(t, got.FailedAt)

	next, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestListStaleAlwaysEmpty(t *testing.T) {
	a := New()
	ctx := context.Background()
	require.NoError(t, a.Enqueue(ctx, "q", mkJob("j", 1, 1)))
	_, err := a.Dequeue(ctx, "q")
	require.NoError(t, err)

	stale, err := a.ListStale(ctx, "q", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestHealthCheckAlwaysHealthy(t *testing.T) {
	a := New()
	h, err := a.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	_ = time.Now()
}
