// Copyright 2025 James Ross
package queueinst

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/registry"
	"github.com/flyingrobots/go-jobqueue/internal/storage/memory"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	cfg.Name = "q"
	q, err := New(cfg, memory.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	q := newTestQueue(t, Config{Concurrency: 2, PollInterval: time.Millisecond})

	release := make(chan struct{})
	var maxSeen int
	var seenMu = make(chan struct{}, 1)
	seenMu <- struct{}{}
	current := 0

	err := q.RegisterHandler("work", func(ctx context.Context, jc registry.JobContext) (json.RawMessage, error) {
		<-seenMu
		current++
		if current > maxSeen {
			maxSeen = current
		}
		seenMu <- struct{}{}

		<-release

		<-seenMu
		current--
		seenMu <- struct{}{}
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := q.Add(ctx, "work", json.RawMessage(`{}`), AddOptions{})
		require.NoError(t, err)
	}

	q.Start()
	defer q.Stop(StopOptions{Graceful: false})

	waitFor(t, time.Second, func() bool { return q.inFlightCount() == 2 })
	assert.LessOrEqual(t, q.inFlightCount(), 2)

	close(release)
	q.Stop(StopOptions{Graceful: true, Timeout: time.Second})

	<-seenMu
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestHandlerNotFoundFailsJobTerminally(t *testing.T) {
	q := newTestQueue(t, Config{Concurrency: 1, PollInterval: time.Millisecond})

	var events []Event
	unsub := q.Subscribe(func(e Event) { events = append(events, e) })
	defer unsub()

	ctx := context.Background()
	id, err := q.Add(ctx, "missing", json.RawMessage(`{}`), AddOptions{})
	require.NoError(t, err)

	q.Start()
	defer q.Stop(StopOptions{Graceful: false})

	waitFor(t, time.Second, func() bool {
		j, err := q.GetJob(ctx, id)
		return err == nil && j != nil && j.Status == job.StatusFailed
	})

	j, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeHandlerNotFound, j.Err.Code)

	var sawFailed bool
	for _, e := range events {
		if e.Type == job.EventFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestCancellationPropagatesToHandler(t *testing.T) {
	q := newTestQueue(t, Config{Concurrency: 1, PollInterval: time.Millisecond})

	cancelledCh := make(chan struct{})
	err := q.RegisterHandler("work", func(ctx context.Context, jc registry.JobContext) (json.RawMessage, error) {
		<-jc.Cancelled
		close(cancelledCh)
		return nil, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	id, err := q.Add(ctx, "work", json.RawMessage(`{}`), AddOptions{})
	require.NoError(t, err)

	q.Start()
	defer q.Stop(StopOptions{Graceful: false})

	waitFor(t, time.Second, func() bool { return q.inFlightCount() == 1 })

	require.NoError(t, q.CancelJob(ctx, id, "user requested"))

	select {
	case <-cancelledCh:
	case <-time.After(time.Second):
		t.Fatal("handler was never signalled to cancel")
	}

	waitFor(t, time.Second, func() bool {
		j, err := q.GetJob(ctx, id)
		return err == nil && j != nil && j.Status == job.StatusCancelled
	})
}

func TestTimeoutRoutesThroughFailJobAsRetry(t *testing.T) {
	cfg := Config{Concurrency: 1, PollInterval: time.Millisecond}
	q := newTestQueue(t, cfg)

	attempts := make(chan struct{}, 10)
	err := q.RegisterHandler("slow", func(ctx context.Context, jc registry.JobContext) (json.RawMessage, error) {
		attempts <- struct{}{}
		<-jc.Cancelled
		return nil, nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	timeout := 20 * time.Millisecond
	maxRetries := 1
	id, err := q.Add(ctx, "slow", json.RawMessage(`{}`), AddOptions{Timeout: &timeout, MaxRetries: &maxRetries})
	require.NoError(t, err)

	q.Start()
	defer q.Stop(StopOptions{Graceful: false})

	waitFor(t, 2*time.Second, func() bool {
		j, err := q.GetJob(ctx, id)
		return err == nil && j != nil && (j.Status == job.StatusFailed)
	})

	j, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeJobTimeout, j.Err.Code)
	assert.Equal(t, 2, j.Retries)
}

func TestProgressReportingUpdatesJobAndEmits(t *testing.T) {
	q := newTestQueue(t, Config{Concurrency: 1, PollInterval: time.Millisecond})

	done := make(chan struct{})
	err := q.RegisterHandler("work", func(ctx context.Context, jc registry.JobContext) (json.RawMessage, error) {
		require.NoError(t, jc.Progress(ctx, 50, "halfway"))
		close(done)
		return json.RawMessage(`{}`), nil
	})
	require.NoError(t, err)

	var progressEvents []Event
	unsub := q.Subscribe(func(e Event) {
		if e.Type == job.EventProgress {
			progressEvents = append(progressEvents, e)
		}
	})
	defer unsub()

	ctx := context.Background()
	id, err := q.Add(ctx, "work", json.RawMessage(`{}`), AddOptions{})
	require.NoError(t, err)

	q.Start()
	defer q.Stop(StopOptions{Graceful: false})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, time.Second, func() bool {
		j, err := q.GetJob(ctx, id)
		return err == nil && j != nil && j.Status == job.StatusCompleted
	})

	require.NotEmpty(t, progressEvents)
	assert.Equal(t, 50, progressEvents[0].Percent)
}
