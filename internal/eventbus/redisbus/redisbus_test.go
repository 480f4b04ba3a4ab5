// Copyright 2025 James Ross
package redisbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/breaker"
	"github.com/flyingrobots/go-jobqueue/internal/eventbus"
	"github.com/flyingrobots/go-jobqueue/internal/job"
)

func newTestBus(t *testing.T) (*Bus, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cb, err := breaker.New(5, 1, time.Second, breaker.Callbacks{})
	require.NoError(t, err)
	b := New("jobqueue", pub, sub, cb, zap.NewNop())
	return b, func() {
		_ = b.Close()
		_ = pub.Close()
		_ = sub.Close()
	}
}

func TestSubscribeDispatchesMatchingPattern(t *testing.T) {
	b, cleanup := newTestBus(t)
	defer cleanup()

	var mu sync.Mutex
	var gotType string
	done := make(chan struct{})
	var once sync.Once

	unsub, err := b.Subscribe("job:*", func(ctx context.Context, env job.Envelope) {
		mu.Lock()
		gotType = env.Type
		mu.Unlock()
		once.Do(func() { close(done) })
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), "job:completed", json.RawMessage(`{"id":"j1"}`), eventbus.Meta{OriginID: "p1"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "job:completed", gotType)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, cleanup := newTestBus(t)
	defer cleanup()

	calls := make(chan struct{}, 10)
	unsub, err := b.Subscribe("job:*", func(ctx context.Context, env job.Envelope) {
		calls <- struct{}{}
	})
	require.NoError(t, err)
	unsub()

	require.NoError(t, b.Publish(context.Background(), "job:completed", json.RawMessage(`{}`), eventbus.Meta{}))
	select {
	case <-calls:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSharedUpstreamSubscriptionForSamePattern(t *testing.T) {
	b, cleanup := newTestBus(t)
	defer cleanup()

	var count int32
	var mu sync.Mutex
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	var once1, once2 sync.Once

	unsub1, err := b.Subscribe("job:*", func(ctx context.Context, env job.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
		once1.Do(func() { close(done1) })
	})
	require.NoError(t, err)
	defer unsub1()

	unsub2, err := b.Subscribe("job:*", func(ctx context.Context, env job.Envelope) {
		mu.Lock()
		count++
		mu.Unlock()
		once2.Do(func() { close(done2) })
	})
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, b.Publish(context.Background(), "job:completed", json.RawMessage(`{}`), eventbus.Meta{}))

	<-done1
	<-done2
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(2), count)
}

func TestHealthCheckReportsBreakerState(t *testing.T) {
	b, cleanup := newTestBus(t)
	defer cleanup()

	h, err := b.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, "breaker closed", h.Detail)
}
