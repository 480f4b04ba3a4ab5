// Copyright 2025 James Ross
// Package registry binds (queueName, jobType) to a job definition
// (§4.6). It is grounded on the teacher's storage-backends.Register/
// BackendFactory registration pattern, adapted from a package-level
// init() singleton to a per-instance registry: a process may run more
// than one service instance in tests, so registration cannot be global
// state here.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/go-jobqueue/internal/schema"
)

// JobContext is handed to a handler at invocation time (§4.4
// "Build a job context").
type JobContext struct {
	JobID    string
	JobType  string
	Data     json.RawMessage
	Metadata map[string]string

	// Progress reports execution progress; it updates the job's storage
	// record and emits job:progress.
	Progress func(ctx context.Context, percent int, message string) error

	// Cancelled is closed when the attempt's cancellation signal fires
	// (manual cancelJob, timeout race, or forceful shutdown).
	Cancelled <-chan struct{}
}

// Handler is the application function bound to a job type (§4.4,
// GLOSSARY "Handler").
type Handler func(ctx context.Context, jc JobContext) (json.RawMessage, error)

// Definition binds one (queue, jobType) pair.
type Definition struct {
	InputSchema  schema.Validator
	OutputSchema schema.Validator
	Handler      Handler
}

// DuplicateRegistrationError is returned by Register when a (queue,
// jobType) pair is already bound.
type DuplicateRegistrationError struct {
	Queue   string
	JobType string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("registry: duplicate handler for %s:%s", e.Queue, e.JobType)
}

func key(queue, jobType string) string { return queue + ":" + jobType }

// Builder accumulates definitions before the registry is frozen.
// Once Build is called the resulting Registry is read-only (§4.6,
// §9 "Handler registry as read-only").
type Builder struct {
	defs map[string]Definition
}

// NewBuilder starts an empty registration pass.
func NewBuilder() *Builder {
	return &Builder{defs: make(map[string]Definition)}
}

// Register binds a definition to (queue, jobType). It is an error to
// register the same pair twice.
func (b *Builder) Register(queue, jobType string, def Definition) error {
	k := key(queue, jobType)
	if _, exists := b.defs[k]; exists {
		return &DuplicateRegistrationError{Queue: queue, JobType: jobType}
	}
	b.defs[k] = def
	return nil
}

// Build freezes the accumulated definitions into a Registry.
func (b *Builder) Build() *Registry {
	frozen := make(map[string]Definition, len(b.defs))
	for k, v := range b.defs {
		frozen[k] = v
	}
	return &Registry{defs: frozen}
}

// Registry is the read-only, per-instance handler registry.
type Registry struct {
	defs map[string]Definition
}

// Lookup returns the definition bound to (queue, jobType).
func (r *Registry) Lookup(queue, jobType string) (Definition, bool) {
	d, ok := r.defs[key(queue, jobType)]
	return d, ok
}

// JobTypes returns the registered job types for a queue, for use in
// HandlerNotFound error messages (§7).
func (r *Registry) JobTypes(queue string) []string {
	prefix := queue + ":"
	var types []string
	for k := range r.defs {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			types = append(types, k[len(prefix):])
		}
	}
	return types
}
