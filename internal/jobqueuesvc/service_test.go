// Copyright 2025 James Ross
package jobqueuesvc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/flyingrobots/go-jobqueue/internal/breaker"
	"github.com/flyingrobots/go-jobqueue/internal/eventbus/redisbus"
	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/queueinst"
	"github.com/flyingrobots/go-jobqueue/internal/registry"
	"github.com/flyingrobots/go-jobqueue/internal/schema"
	"github.com/flyingrobots/go-jobqueue/internal/storage/memory"
)

func echoHandler(ctx context.Context, jc registry.JobContext) (json.RawMessage, error) {
	return jc.Data, nil
}

func newTestService(t *testing.T) (*Service, *queueinst.Queue) {
	t.Helper()
	store := memory.New()
	log := zaptest.NewLogger(t)

	q, err := queueinst.New(queueinst.Config{Name: "emails", Concurrency: 2, PollInterval: time.Millisecond}, store, log)
	require.NoError(t, err)

	schemaDoc := json.RawMessage(`{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`)
	validator, err := schema.New(schemaDoc)
	require.NoError(t, err)

	b := registry.NewBuilder()
	require.NoError(t, b.Register("emails", "send", registry.Definition{InputSchema: validator, Handler: echoHandler}))
	reg := b.Build()

	svc, err := New([]*queueinst.Queue{q}, reg, store, log)
	require.NoError(t, err)
	return svc, q
}

func TestAddRejectsUnknownQueue(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Add(context.Background(), "nope", "send", json.RawMessage(`{}`), AddOptions{})
	var qnf *QueueNotFoundError
	require.ErrorAs(t, err, &qnf)
	assert.Equal(t, "nope", qnf.Name)
	assert.Contains(t, qnf.Available, "emails")
}

func TestAddRejectsUnknownJobType(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Add(context.Background(), "emails", "unknown", json.RawMessage(`{}`), AddOptions{})
	var hnf *HandlerNotFoundError
	require.ErrorAs(t, err, &hnf)
	assert.Contains(t, hnf.Registered, "send")
}

func TestAddRejectsInvalidPayload(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Add(context.Background(), "emails", "send", json.RawMessage(`{}`), AddOptions{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Errors)
}

func TestAddThenGetJobByCache(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()
	id, err := svc.Add(ctx, "emails", "send", json.RawMessage(`{"to":"a@b.com"}`), AddOptions{})
	require.NoError(t, err)

	j, err := svc.GetJob(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, "send", j.Type)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestCancelJobRoutesThroughOwningQueue(t *testing.T) {
	store := memory.New()
	log := zaptest.NewLogger(t)
	q, err := queueinst.New(queueinst.Config{Name: "emails", Concurrency: 2, PollInterval: time.Millisecond}, store, log)
	require.NoError(t, err)

	blocked := make(chan struct{})
	b := registry.NewBuilder()
	require.NoError(t, b.Register("emails", "send", registry.Definition{
		Handler: func(ctx context.Context, jc registry.JobContext) (json.RawMessage, error) {
			<-jc.Cancelled
			close(blocked)
			return nil, nil
		},
	}))
	reg := b.Build()

	svc, err := New([]*queueinst.Queue{q}, reg, store, log)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := svc.Add(ctx, "emails", "send", json.RawMessage(`{"to":"a@b.com"}`), AddOptions{})
	require.NoError(t, err)

	q.Start()
	defer q.Stop(queueinst.StopOptions{Graceful: false})

	startDeadline := time.Now().Add(time.Second)
	for time.Now().Before(startDeadline) {
		j, err := svc.GetJob(ctx, id, "")
		if err == nil && j.Status == job.StatusRunning {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, svc.CancelJob(ctx, id, "", "user cancelled"))

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		j, err := svc.GetJob(ctx, id, "")
		if err == nil && j.Status == job.StatusCancelled {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job never reached cancelled")
}

func TestSubscribeFiltersByJobID(t *testing.T) {
	svc, q := newTestService(t)
	ctx := context.Background()

	id, err := svc.Add(ctx, "emails", "send", json.RawMessage(`{"to":"a@b.com"}`), AddOptions{})
	require.NoError(t, err)

	completed := make(chan job.Job, 1)
	unsub := svc.Subscribe(id, SubscribeCallbacks{
		OnCompleted: func(j job.Job) { completed <- j },
	})
	defer unsub()

	q.Start()
	defer q.Stop(queueinst.StopOptions{Graceful: false})

	select {
	case j := <-completed:
		assert.Equal(t, id, j.ID)
	case <-time.After(time.Second):
		t.Fatal("never observed completion")
	}
}

// TestAttachBusRelaysPeerEvents is spec.md scenario S8's essence at the
// jobqueuesvc boundary: process B never locally processes the job (its
// own queue has no handler registered for it and never sees it
// enqueued), yet a Subscribe call on B must still observe the
// completion once it arrives over the bus, proving handleBusEvent feeds
// the same dispatch path local events use rather than just logging and
// dropping peer envelopes.
func TestAttachBusRelaysPeerEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newBus := func() *redisbus.Bus {
		pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		cb, err := breaker.New(5, 1, time.Second, breaker.Callbacks{})
		require.NoError(t, err)
		return redisbus.New("fleet", pub, sub, cb, zap.NewNop())
	}

	svcA, _ := newTestService(t)
	require.NoError(t, svcA.AttachBus(ctx, BusConfig{Bus: newBus(), ChannelPrefix: "fleet"}))
	svcA.StartAll()
	defer svcA.StopAll(StopAllOptions{Graceful: false})

	storeB := memory.New()
	logB := zaptest.NewLogger(t)
	qB, err := queueinst.New(queueinst.Config{Name: "emails", Concurrency: 1, PollInterval: time.Millisecond}, storeB, logB)
	require.NoError(t, err)
	svcB, err := New([]*queueinst.Queue{qB}, registry.NewBuilder().Build(), storeB, logB)
	require.NoError(t, err)
	require.NoError(t, svcB.AttachBus(ctx, BusConfig{Bus: newBus(), ChannelPrefix: "fleet"}))

	id, err := svcA.Add(ctx, "emails", "send", json.RawMessage(`{"to":"a@b.com"}`), AddOptions{})
	require.NoError(t, err)

	completed := make(chan job.Job, 1)
	unsub := svcB.Subscribe(id, SubscribeCallbacks{
		OnCompleted: func(j job.Job) { completed <- j },
	})
	defer unsub()

	select {
	case j := <-completed:
		assert.Equal(t, id, j.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("process B never observed the peer-originated completion")
	}

	got, err := storeB.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got, "process B must never have processed the job itself, only relayed its events")
}

func TestStopAllAggregatesResults(t *testing.T) {
	svc, _ := newTestService(t)
	svc.StartAll()
	results := svc.StopAll(StopAllOptions{Graceful: true, Timeout: time.Second})
	require.Len(t, results, 1)
	assert.Equal(t, "emails", results[0].Queue)
}
