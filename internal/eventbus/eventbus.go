// Copyright 2025 James Ross
// Package eventbus is the cross-process pub/sub contract of §4.3: typed
// events relayed under a channel-prefix/pattern scheme, publish paths
// guarded by a circuit breaker. It restructures the pattern-dispatch and
// dedup-by-pattern shape of the teacher's internal/event-hooks.EventBus
// around this narrower pass-through-relay contract rather than its
// webhook/dead-letter delivery pipeline.
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/flyingrobots/go-jobqueue/internal/job"
)

// Meta carries the envelope fields a publisher supplies beyond the
// event type and payload.
type Meta struct {
	OriginID      string
	CorrelationID string
	Sequence      uint64
}

// Handler receives a dispatched envelope. Handler panics and errors are
// caught by the bus and logged; they never stop dispatch to other
// handlers (§4.3 "Message dispatch").
type Handler func(ctx context.Context, env job.Envelope)

// Health is the result of a bus liveness probe.
type Health struct {
	Healthy bool
	Detail  string
}

// Bus is the distributed event-bus contract of §4.3 and §6.
type Bus interface {
	Publish(ctx context.Context, eventType string, data json.RawMessage, meta Meta) error
	Subscribe(pattern string, handler Handler) (unsubscribe func(), err error)
	HealthCheck(ctx context.Context) (Health, error)
}
