// Copyright 2025 James Ross
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flyingrobots/go-jobqueue/internal/job"
)

// Decision is the outcome of FailJob's retry-vs-terminal algorithm
// (§4.1: "(retries + 1) > maxRetries → fail else retry").
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionFailed   Decision = "failed"
	DecisionNoChange Decision = "no_change" // job was not in running; no-op
)

// ListFilter configures ListJobs (§4.1).
type ListFilter struct {
	Status    []job.Status
	Type      string
	Limit     int
	Offset    int
	SortBy    string // not consulted: both adapters always order by Score (priority, then queuedAt)
	SortOrder string // "asc" | "desc"; default "asc"
}

// Patch is a set of optional field updates applied atomically by
// UpdateJob. Nil fields are left untouched.
type Patch struct {
	Priority        *int
	Progress        *int
	ProgressMessage *string
	Metadata        map[string]string
}

// Stats is the per-queue count breakdown returned by GetQueueStats.
type Stats struct {
	Queued    int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Total     int
}

// Health is the result of a liveness probe.
type Health struct {
	Healthy bool
	Latency time.Duration
	Detail  string
}

// Adapter is the storage contract of §4.1. Every queue instance and the
// multi-queue service go through one of these; it is the single owner
// of every job record (§3 "Ownership").
type Adapter interface {
	Enqueue(ctx context.Context, queueName string, j job.Job) error
	Dequeue(ctx context.Context, queueName string) (*job.Job, error)
	Peek(ctx context.Context, queueName string) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, queueName string, filter ListFilter) ([]job.Job, error)
	UpdateJob(ctx context.Context, id string, patch Patch) error
	RemoveJob(ctx context.Context, id string) (bool, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) (bool, error)
	FailJob(ctx context.Context, id string, errCode string, errMsg string) (Decision, error)
	// FailJobTerminal unconditionally moves a running job to failed,
	// bypassing FailJob's retry-vs-terminal decision. It exists for
	// failures that retrying can never resolve (e.g. no handler bound
	// for the job's type): unlike FailJob, a retry budget is irrelevant.
	FailJobTerminal(ctx context.Context, id string, errCode string, errMsg string) (bool, error)
	CancelJob(ctx context.Context, id string, reason string) (bool, error)
	GetQueueStats(ctx context.Context, queueName string) (Stats, error)
	HealthCheck(ctx context.Context) (Health, error)
	// ListStale returns running jobs in queueName whose StartedAt is
	// older than olderThan, for the reaper's crash-recovery scan. The
	// in-memory adapter has no crash/restart gap to recover from, so it
	// returns an empty slice rather than implementing real staleness.
	ListStale(ctx context.Context, queueName string, olderThan time.Time) ([]job.Job, error)
}

// OperationError wraps a backend operation failure, tagging the
// operation name so callers and logs can distinguish "DEQUEUE failed"
// from "FAIL_JOB failed" without string matching (§7 OperationError).
type OperationError struct {
	Operation string
	Key       string
	Err       error
}

func (e *OperationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage: %s %s: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage: %s: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: op, Key: key, Err: err}
}
