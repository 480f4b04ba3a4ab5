// Copyright 2025 James Ross
// Package queueinst implements one queue's processing loop (§4.4). It
// generalizes the teacher's internal/worker.Worker.runOne/processJob
// poll-dequeue-process loop from a fixed file-processing simulation
// into generic (jobType, data) -> handler dispatch, replacing the
// teacher's heartbeat-list/processing-list choreography with the
// storage adapter's atomic dequeue/complete/fail.
package queueinst

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/obs"
	"github.com/flyingrobots/go-jobqueue/internal/registry"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

// Error codes for terminal job-level failures raised by the queue
// instance itself rather than by a handler (§4.4, §7).
const (
	CodeHandlerNotFound = "HANDLER_NOT_FOUND"
	CodeJobTimeout      = "JOB_TIMEOUT"
)

// Config is a queue's static configuration (§3 "Queue configuration").
type Config struct {
	Name              string
	Concurrency       int
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	DefaultPriority   int
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DefaultPriority == 0 {
		c.DefaultPriority = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	return c
}

// Validate rejects a malformed queue configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queueinst: name must be non-empty")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("queueinst: concurrency must be >= 1")
	}
	return nil
}

// DuplicateHandlerError is returned by RegisterHandler for a job type
// that is already bound.
type DuplicateHandlerError struct {
	Queue   string
	JobType string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("queueinst: duplicate handler for %s:%s", e.Queue, e.JobType)
}

// AddOptions overrides a job's defaults at submission time.
type AddOptions struct {
	Priority   *int
	Timeout    *time.Duration
	MaxRetries *int
	Metadata   map[string]string
	Tags       []string
}

type inflight struct {
	cancel func(reason string)
	signal chan struct{}
	reason string
}

// Queue is one queue's processing loop and job-lifecycle boundary.
type Queue struct {
	cfg     Config
	storage storage.Adapter
	log     *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]registry.Handler

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	inFlight     map[string]*inflight
	stopCh       chan struct{}
	loopDone     chan struct{}

	listenersMu    sync.Mutex
	listeners      map[uint64]Listener
	nextListenerID uint64
}

// New constructs a queue instance bound to a shared storage adapter.
func New(cfg Config, store storage.Adapter, log *zap.Logger) (*Queue, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		cfg:       cfg,
		storage:   store,
		log:       log.With(obs.String("queue", cfg.Name)),
		handlers:  make(map[string]registry.Handler),
		inFlight:  make(map[string]*inflight),
		listeners: make(map[uint64]Listener),
	}, nil
}

// Name returns the queue's configured name.
func (q *Queue) Name() string { return q.cfg.Name }

// RegisterHandler binds a handler to a job type (§4.4 "registerHandler").
func (q *Queue) RegisterHandler(jobType string, h registry.Handler) error {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	if _, exists := q.handlers[jobType]; exists {
		return &DuplicateHandlerError{Queue: q.cfg.Name, JobType: jobType}
	}
	q.handlers[jobType] = h
	return nil
}

func (q *Queue) handler(jobType string) (registry.Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Add composes and persists a new job (§4.4 "add").
func (q *Queue) Add(ctx context.Context, jobType string, data json.RawMessage, opts AddOptions) (string, error) {
	priority := q.cfg.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	timeout := q.cfg.DefaultTimeout
	if opts.Timeout != nil {
		timeout = *opts.Timeout
	}
	maxRetries := q.cfg.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	j := job.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Queue:      q.cfg.Name,
		Data:       data,
		Status:     job.StatusQueued,
		Priority:   priority,
		QueuedAt:   time.Now().UnixNano(),
		Timeout:    timeout,
		MaxRetries: maxRetries,
		Metadata:   opts.Metadata,
		Tags:       opts.Tags,
	}
	if err := q.storage.Enqueue(ctx, q.cfg.Name, j); err != nil {
		return "", err
	}
	q.emit(Event{Type: job.EventQueued, Job: j})
	obs.JobsQueued.WithLabelValues(q.cfg.Name).Inc()
	return j.ID, nil
}

// GetJob, ListJobs, and GetStats delegate to storage (§4.4).
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return q.storage.GetJob(ctx, id)
}

func (q *Queue) ListJobs(ctx context.Context, filter storage.ListFilter) ([]job.Job, error) {
	return q.storage.ListJobs(ctx, q.cfg.Name, filter)
}

func (q *Queue) GetStats(ctx context.Context) (storage.Stats, error) {
	return q.storage.GetQueueStats(ctx, q.cfg.Name)
}

// CancelJob signals the attempt's cancellation handle, if any, and
// records the cancellation (§4.4 "cancelJob"). A running job's
// finalization is left to executeJob's own select statement, which
// races att.signal against the handler and the timeout on the same
// attempt; signalling it here and also finalizing here would racily
// double-finalize. A still-queued job has no attempt to race, so it is
// finalized directly.
func (q *Queue) CancelJob(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	att, inFlight := q.inFlight[id]
	q.mu.Unlock()
	if inFlight {
		att.cancel(reason)
		return nil
	}

	changed, err := q.storage.CancelJob(ctx, id, reason)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	j, err := q.storage.GetJob(ctx, id)
	if err == nil && j != nil {
		q.emit(Event{Type: job.EventCancelled, Job: *j, Message: reason})
		obs.JobsCancelled.WithLabelValues(q.cfg.Name).Inc()
	}
	return nil
}

// Start launches the processing loop. Idempotent (§4.4 "start").
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.shuttingDown = false
	q.stopCh = make(chan struct{})
	done := make(chan struct{})
	q.loopDone = done
	q.mu.Unlock()

	go q.loop(done)
}

// StopOptions configures Stop's shutdown behaviour.
type StopOptions struct {
	Graceful bool
	Timeout  time.Duration
}

// Stop halts the processing loop (§4.4 "stop"). Idempotent. A
// non-graceful stop also fires every in-flight attempt's cancellation
// signal; handlers that ignore it run on to completion.
func (q *Queue) Stop(opts StopOptions) int {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return 0
	}
	q.shuttingDown = true
	stopCh := q.stopCh
	done := q.loopDone
	q.mu.Unlock()

	close(stopCh)

	if !opts.Graceful {
		q.mu.Lock()
		q.running = false
		attempts := make([]*inflight, 0, len(q.inFlight))
		for _, att := range q.inFlight {
			attempts = append(attempts, att)
		}
		q.mu.Unlock()
		for _, att := range attempts {
			att.cancel("queue stopped")
		}
		<-done
		return q.inFlightCount()
	}

	deadline := time.After(opts.Timeout)
drainLoop:
	for q.inFlightCount() > 0 {
		select {
		case <-deadline:
			q.log.Warn("graceful stop deadline exceeded", obs.Int("remaining", q.inFlightCount()))
			break drainLoop
		case <-time.After(5 * time.Millisecond):
		}
	}
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	<-done
	return q.inFlightCount()
}

func (q *Queue) isShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuttingDown
}

func (q *Queue) inFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

func (q *Queue) admit(id string, att *inflight) {
	q.mu.Lock()
	q.inFlight[id] = att
	n := len(q.inFlight)
	q.mu.Unlock()
	obs.InFlight.WithLabelValues(q.cfg.Name).Set(float64(n))
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.inFlight, id)
	n := len(q.inFlight)
	q.mu.Unlock()
	obs.InFlight.WithLabelValues(q.cfg.Name).Set(float64(n))
}

// loop is the processing loop of §4.4: while not shutting down, admit
// up to the concurrency cap and launch executeJob for every dequeued
// job without awaiting it.
func (q *Queue) loop(done chan struct{}) {
	defer close(done)
	stopCh := q.currentStopCh()

	for {
		if q.isShuttingDown() {
			return
		}
		if q.inFlightCount() >= q.cfg.Concurrency {
			if !q.wait(stopCh) {
				return
			}
			continue
		}

		j, err := q.storage.Dequeue(context.Background(), q.cfg.Name)
		if err != nil {
			q.log.Error("dequeue failed", obs.Err(err))
			if !q.wait(stopCh) {
				return
			}
			continue
		}
		if j == nil {
			if !q.wait(stopCh) {
				return
			}
			continue
		}

		att := &inflight{signal: make(chan struct{})}
		att.cancel = func(reason string) {
			q.mu.Lock()
			a, ok := q.inFlight[j.ID]
			q.mu.Unlock()
			if !ok || a != att {
				return
			}
			select {
			case <-att.signal:
			default:
				att.reason = reason
				close(att.signal)
			}
		}
		q.admit(j.ID, att)
		go q.executeJob(*j, att)
	}
}

func (q *Queue) currentStopCh() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopCh
}

func (q *Queue) wait(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return false
	case <-time.After(q.cfg.PollInterval):
		return true
	}
}

// executeJob runs one attempt at a dequeued job: handler lookup,
// cancellation/timeout race, and outcome recording (§4.4 "executeJob").
func (q *Queue) executeJob(dequeued job.Job, att *inflight) {
	defer q.release(dequeued.ID)

	ctx := context.Background()

	current, err := q.storage.GetJob(ctx, dequeued.ID)
	if err != nil || current == nil {
		return
	}

	h, ok := q.handler(current.Type)
	if !ok {
		q.failTerminal(ctx, current, CodeHandlerNotFound, fmt.Sprintf("no handler registered for job type %q", current.Type))
		return
	}

	q.emit(Event{Type: job.EventStarted, Job: *current})
	obs.JobsStarted.WithLabelValues(q.cfg.Name).Inc()
	started := time.Now()

	jc := registry.JobContext{
		JobID:     current.ID,
		JobType:   current.Type,
		Data:      current.Data,
		Metadata:  current.Metadata,
		Cancelled: att.signal,
		Progress: func(ctx context.Context, percent int, message string) error {
			return q.reportProgress(ctx, current.ID, percent, message)
		},
	}

	resultCh := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- handlerOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h(ctx, jc)
		resultCh <- handlerOutcome{result: res, err: err}
	}()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if current.Timeout > 0 {
		timer = time.NewTimer(current.Timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case outcome := <-resultCh:
		obs.JobProcessingDuration.WithLabelValues(q.cfg.Name).Observe(time.Since(started).Seconds())
		if outcome.err != nil {
			q.recordFailure(ctx, current.ID, "", outcome.err.Error())
			return
		}
		q.recordSuccess(ctx, current.ID, outcome.result)

	case <-att.signal:
		obs.JobProcessingDuration.WithLabelValues(q.cfg.Name).Observe(time.Since(started).Seconds())
		q.recordCancellation(ctx, current.ID, att.reason)

	case <-timeoutCh:
		// Open question (§9) resolved: every failure, including a
		// timeout, is routed through failJob so retry policy applies
		// uniformly regardless of why the attempt ended. The attempt's
		// own cancellation signal is also fired so a well-behaved
		// handler watching jc.Cancelled can stop promptly instead of
		// running to completion unobserved.
		att.cancel("job exceeded timeout")
		q.recordFailure(ctx, current.ID, CodeJobTimeout, fmt.Sprintf("job exceeded timeout of %s", current.Timeout))
	}
}

// recordCancellation finalizes an attempt that was stopped by an
// explicit CancelJob call (distinct from a timeout, which always
// routes through failJob's retry policy instead).
func (q *Queue) recordCancellation(ctx context.Context, id, reason string) {
	changed, err := q.storage.CancelJob(ctx, id, reason)
	if err != nil {
		q.log.Error("cancel job failed", obs.String("job_id", id), obs.Err(err))
		return
	}
	if !changed {
		return
	}
	j, err := q.storage.GetJob(ctx, id)
	if err != nil || j == nil {
		return
	}
	q.emit(Event{Type: job.EventCancelled, Job: *j})
	obs.JobsCancelled.WithLabelValues(q.cfg.Name).Inc()
}

type handlerOutcome struct {
	result json.RawMessage
	err    error
}

func (q *Queue) reportProgress(ctx context.Context, id string, percent int, message string) error {
	p := percent
	m := message
	if err := q.storage.UpdateJob(ctx, id, storage.Patch{Progress: &p, ProgressMessage: &m}); err != nil {
		return err
	}
	q.emit(Event{Type: job.EventProgress, JobID: id, Percent: percent, Message: message})
	return nil
}

func (q *Queue) recordSuccess(ctx context.Context, id string, result json.RawMessage) {
	if _, err := q.storage.CompleteJob(ctx, id, result); err != nil {
		q.log.Error("complete job failed", obs.String("job_id", id), obs.Err(err))
		return
	}
	j, err := q.storage.GetJob(ctx, id)
	if err != nil || j == nil {
		return
	}
	q.emit(Event{Type: job.EventCompleted, Job: *j})
	obs.JobsCompleted.WithLabelValues(q.cfg.Name).Inc()
}

func (q *Queue) recordFailure(ctx context.Context, id string, code, message string) {
	decision, err := q.storage.FailJob(ctx, id, code, message)
	if err != nil {
		q.log.Error("fail job failed", obs.String("job_id", id), obs.Err(err))
		return
	}
	j, err := q.storage.GetJob(ctx, id)
	if err != nil || j == nil {
		return
	}
	switch decision {
	case storage.DecisionRetry:
		q.emit(Event{Type: job.EventRetry, Job: *j})
		obs.JobsRetried.WithLabelValues(q.cfg.Name).Inc()
	case storage.DecisionFailed:
		q.emit(Event{Type: job.EventFailed, Job: *j})
		obs.JobsFailed.WithLabelValues(q.cfg.Name, code).Inc()
	}
}

func (q *Queue) failTerminal(ctx context.Context, j *job.Job, code, message string) {
	changed, err := q.storage.FailJobTerminal(ctx, j.ID, code, message)
	if err != nil {
		q.log.Error("fail terminal job failed", obs.String("job_id", j.ID), obs.Err(err))
		return
	}
	if !changed {
		return
	}
	updated, err := q.storage.GetJob(ctx, j.ID)
	if err != nil || updated == nil {
		return
	}
	q.emit(Event{Type: job.EventFailed, Job: *updated})
	obs.JobsFailed.WithLabelValues(q.cfg.Name, code).Inc()
}
