// Copyright 2025 James Ross
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/breaker"
	"github.com/flyingrobots/go-jobqueue/internal/eventbus"
	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/obs"
)

// payloadWarnBytes is the soft size threshold above which Publish logs a
// warning instead of silently shipping a large event (§4.3 "Publish path").
const payloadWarnBytes = 64 * 1024

// OperationError wraps a bus operation failure, tagging the operation
// name the way storage.OperationError does for the storage adapter.
type OperationError struct {
	Operation string
	Key       string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("eventbus: %s %s: %v", e.Operation, e.Key, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

type patternSub struct {
	handlers map[uint64]eventbus.Handler
}

// Bus is the redisbus.Bus implementation: PUBLISH/PSUBSCRIBE behind a
// circuit breaker, one upstream PSUBSCRIBE connection shared across every
// locally-tracked pattern.
type Bus struct {
	channelPrefix string
	pubClient     *redis.Client
	subClient     *redis.Client
	breaker       *breaker.CircuitBreaker
	log           *zap.Logger

	mu       sync.Mutex
	ps       *redis.PubSub
	subs     map[string]*patternSub
	nextID   uint64
	connected atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a bus over a publisher connection and a dedicated
// subscriber connection (§4.7's logical "publisher"/"subscriber"
// connections), wrapping publishes in cb.
func New(channelPrefix string, pubClient, subClient *redis.Client, cb *breaker.CircuitBreaker, log *zap.Logger) *Bus {
	b := &Bus{
		channelPrefix: channelPrefix,
		pubClient:     pubClient,
		subClient:     subClient,
		breaker:       cb,
		log:           log,
		subs:          make(map[string]*patternSub),
		closed:        make(chan struct{}),
	}
	b.ps = subClient.PSubscribe(context.Background())
	b.connected.Store(true)
	go b.receiveLoop()
	return b
}

func (b *Bus) channelFor(eventType string) string {
	return b.channelPrefix + ":" + eventType
}

func (b *Bus) channelPattern(pattern string) string {
	return b.channelPrefix + ":" + pattern
}

// Publish implements eventbus.Bus.
func (b *Bus) Publish(ctx context.Context, eventType string, data json.RawMessage, meta eventbus.Meta) error {
	env := job.Envelope{
		Type:          eventType,
		Data:          data,
		Timestamp:     time.Now(),
		OriginID:      meta.OriginID,
		CorrelationID: meta.CorrelationID,
		Sequence:      meta.Sequence,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return &OperationError{Operation: "PUBLISH", Key: eventType, Err: err}
	}
	if len(raw) > payloadWarnBytes {
		b.log.Warn("event payload above soft size threshold",
			obs.String("type", eventType), obs.Int("bytes", len(raw)))
	}

	channel := b.channelFor(eventType)
	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.pubClient.Publish(ctx, channel, raw).Err()
	})
	if err != nil {
		return &OperationError{Operation: "PUBLISH", Key: eventType, Err: err}
	}
	return nil
}

// Subscribe implements eventbus.Bus. Multiple local subscribers to the
// same pattern share one upstream PSUBSCRIBE (§4.3 "Subjects and
// channels").
func (b *Bus) Subscribe(pattern string, handler eventbus.Handler) (func(), error) {
	b.mu.Lock()
	sub, exists := b.subs[pattern]
	if !exists {
		sub = &patternSub{handlers: make(map[uint64]eventbus.Handler)}
		b.subs[pattern] = sub
	}
	b.nextID++
	id := b.nextID
	sub.handlers[id] = handler
	b.mu.Unlock()

	if !exists {
		if err := b.ps.PSubscribe(context.Background(), b.channelPattern(pattern)); err != nil {
			b.mu.Lock()
			delete(sub.handlers, id)
			if len(sub.handlers) == 0 {
				delete(b.subs, pattern)
			}
			b.mu.Unlock()
			return nil, &OperationError{Operation: "SUBSCRIBE", Key: pattern, Err: err}
		}
	}

	return func() {
		b.mu.Lock()
		sub, ok := b.subs[pattern]
		if !ok {
			b.mu.Unlock()
			return
		}
		delete(sub.handlers, id)
		empty := len(sub.handlers) == 0
		if empty {
			delete(b.subs, pattern)
		}
		b.mu.Unlock()

		if empty {
			if err := b.ps.PUnsubscribe(context.Background(), b.channelPattern(pattern)); err != nil {
				b.log.Warn("unsubscribe failed", obs.String("pattern", pattern), obs.Err(err))
			}
		}
	}, nil
}

// HealthCheck implements eventbus.Bus (§4.3 "Health check").
func (b *Bus) HealthCheck(ctx context.Context) (eventbus.Health, error) {
	if !b.connected.Load() {
		return eventbus.Health{Healthy: false, Detail: "disconnected"}, nil
	}
	if b.breaker.State() == breaker.Open {
		return eventbus.Health{Healthy: false, Detail: "breaker open"}, nil
	}
	if err := b.subClient.Ping(ctx).Err(); err != nil {
		return eventbus.Health{Healthy: false, Detail: err.Error()}, nil
	}
	return eventbus.Health{Healthy: true, Detail: "breaker " + b.breaker.State().String()}, nil
}

// Close releases the underlying subscriber connection.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.ps.Close()
	})
	return err
}

// receiveLoop dispatches inbound messages and watches for reconnection,
// re-subscribing every tracked pattern once the connection is restored
// (§4.3 "Reconnection").
func (b *Bus) receiveLoop() {
	ch := b.ps.Channel()
	for {
		select {
		case <-b.closed:
			return
		case msg, ok := <-ch:
			if !ok {
				b.handleDisconnect()
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bus) handleDisconnect() {
	b.connected.Store(false)
	b.log.Warn("event bus subscriber disconnected")

	b.mu.Lock()
	patterns := make([]string, 0, len(b.subs))
	for p := range b.subs {
		patterns = append(patterns, b.channelPattern(p))
	}
	b.mu.Unlock()

	if len(patterns) > 0 {
		if err := b.ps.PSubscribe(context.Background(), patterns...); err != nil {
			b.log.Error("resubscribe after reconnect failed", obs.Err(err))
			return
		}
	}
	b.connected.Store(true)
	go b.receiveLoop()
}

func (b *Bus) dispatch(msg *redis.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event bus handler panicked", zap.Any("recovered", r))
		}
	}()

	var env job.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.log.Warn("dropping malformed event payload", obs.String("channel", msg.Channel), obs.Err(err))
		return
	}
	if env.Type == "" {
		b.log.Warn("dropping event with empty type", obs.String("channel", msg.Channel))
		return
	}

	b.mu.Lock()
	var handlers []eventbus.Handler
	for pattern, sub := range b.subs {
		if msg.Pattern == b.channelPattern(pattern) {
			for _, h := range sub.handlers {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, env)
	}
}

func (b *Bus) invoke(h eventbus.Handler, env job.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event bus handler panicked", zap.Any("recovered", r))
		}
	}()
	h(context.Background(), env)
}
