// Copyright 2025 James Ross
// Package memory implements the in-memory conformance-oracle storage
// adapter of spec §4.1 / §9 ("In-memory as conformance oracle"): a
// single coarse mutex around one process's whole state, matching the
// teacher's single-client, single-process simplicity while providing
// the exact atomicity and ordering guarantees the distributed adapter
// provides over the network.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

type queueState struct {
	// ids sorted ascending by score, one slice per lifecycle state.
	queued    []string
	running   []string
	completed []string
	failed    []string
	cancelled []string
}

func (qs *queueState) slice(s job.Status) *[]string {
	switch s {
	case job.StatusQueued:
		return &qs.queued
	case job.StatusRunning:
		return &qs.running
	case job.StatusCompleted:
		return &qs.completed
	case job.StatusFailed:
		return &qs.failed
	case job.StatusCancelled:
		return &qs.cancelled
	default:
		return nil
	}
}

// Adapter is the in-memory storage.Adapter implementation.
type Adapter struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	queues map[string]*queueState
}

// New constructs an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		jobs:   make(map[string]*job.Job),
		queues: make(map[string]*queueState),
	}
}

func (a *Adapter) queueLocked(name string) *queueState {
	qs, ok := a.queues[name]
	if !ok {
		qs = &queueState{}
		a.queues[name] = qs
	}
	return qs
}

func insertByScore(ids *[]string, jobs map[string]*job.Job, id string) {
	score := jobs[id].Score()
	i := sort.Search(len(*ids), func(i int) bool {
		return jobs[(*ids)[i]].Score() >= score
	})
	*ids = append(*ids, "")
	copy((*ids)[i+1:], (*ids)[i:])
	(*ids)[i] = id
}

func removeID(ids *[]string, id string) bool {
	for i, v := range *ids {
		if v == id {
			*ids = append((*ids)[:i], (*ids)[i+1:]...)
			return true
		}
	}
	return false
}

// Enqueue implements storage.Adapter.
func (a *Adapter) Enqueue(ctx context.Context, queueName string, j job.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	jc := j.Clone()
	jc.Queue = queueName
	jc.Status = job.StatusQueued
	a.jobs[jc.ID] = &jc
	qs := a.queueLocked(queueName)
	insertByScore(&qs.queued, a.jobs, jc.ID)
	return nil
}

// Dequeue implements storage.Adapter: atomically pops the lowest-score
// queued job and transitions it to running.
func (a *Adapter) Dequeue(ctx context.Context, queueName string) (*job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	qs := a.queueLocked(queueName)
	if len(qs.queued) == 0 {
		return nil, nil
	}
	id := qs.queued[0]
	qs.queued = qs.queued[1:]

	j := a.jobs[id]
	now := time.Now()
	j.Status = job.StatusRunning
	j.StartedAt = &now
	insertByScore(&qs.running, a.jobs, id)

	out := j.Clone()
	return &out, nil
}

// Peek implements storage.Adapter.
func (a *Adapter) Peek(ctx context.Context, queueName string) (*job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	qs := a.queueLocked(queueName)
	if len(qs.queued) == 0 {
		return nil, nil
	}
	out := a.jobs[qs.queued[0]].Clone()
	return &out, nil
}

// GetJob implements storage.Adapter.
func (a *Adapter) GetJob(ctx context.Context, id string) (*job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok {
		return nil, nil
	}
	out := j.Clone()
	return &out, nil
}

// ListJobs implements storage.Adapter.
func (a *Adapter) ListJobs(ctx context.Context, queueName string, filter storage.ListFilter) ([]job.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	qs, ok := a.queues[queueName]
	if !ok {
		return nil, nil
	}

	statuses := filter.Status
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusQueued, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled}
	}

	var all []job.Job
	for _, s := range statuses {
		ids := qs.slice(s)
		if ids == nil {
			continue
		}
		for _, id := range *ids {
			j := a.jobs[id]
			if filter.Type != "" && j.Type != filter.Type {
				continue
			}
			all = append(all, j.Clone())
		}
	}

	desc := filter.SortOrder == "desc"
	sort.SliceStable(all, func(i, k int) bool {
		if desc {
			return all[i].Score() > all[k].Score()
		}
		return all[i].Score() < all[k].Score()
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []job.Job{}, nil
	}
	all = all[offset:]
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

// UpdateJob implements storage.Adapter. A priority change re-sorts the
// job's current state slice so ordering stays consistent.
func (a *Adapter) UpdateJob(ctx context.Context, id string, patch storage.Patch) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok {
		return opErrNotFound("UPDATE_JOB", id)
	}

	qs := a.queueLocked(j.Queue)
	reSort := patch.Priority != nil && *patch.Priority != j.Priority

	if patch.Priority != nil {
		j.Priority = *patch.Priority
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.ProgressMessage != nil {
		j.ProgressMessage = *patch.ProgressMessage
	}
	if patch.Metadata != nil {
		if j.Metadata == nil {
			j.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			j.Metadata[k] = v
		}
	}

	if reSort {
		ids := qs.slice(j.Status)
		if ids != nil {
			removeID(ids, id)
			insertByScore(ids, a.jobs, id)
		}
	}
	return nil
}

// RemoveJob implements storage.Adapter.
func (a *Adapter) RemoveJob(ctx context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok {
		return false, nil
	}
	qs := a.queueLocked(j.Queue)
	if ids := qs.slice(j.Status); ids != nil {
		removeID(ids, id)
	}
	delete(a.jobs, id)
	return true, nil
}

// CompleteJob implements storage.Adapter: idempotent, only transitions
// a job that is currently running (§4.1, §8 "Idempotent completion").
func (a *Adapter) CompleteJob(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok || j.Status != job.StatusRunning {
		return false, nil
	}
	qs := a.queueLocked(j.Queue)
	removeID(&qs.running, id)

	now := time.Now()
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.Progress = 100
	j.Result = result
	insertByScore(&qs.completed, a.jobs, id)
	return true, nil
}

// FailJob implements storage.Adapter's retry/terminal-failure algorithm.
// A terminal failure preserves failedAt as canonical (§9 Open Question
// resolution); a retry preserves the original queuedAt/score (§4.1,
// §8 "Retry position preservation").
func (a *Adapter) FailJob(ctx context.Context, id string, errCode string, errMsg string) (storage.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok || j.Status != job.StatusRunning {
		return storage.DecisionNoChange, nil
	}
	qs := a.queueLocked(j.Queue)
	removeID(&qs.running, id)

	if j.Retries+1 > j.MaxRetries {
		now := time.Now()
		j.Retries++
		j.Status = job.StatusFailed
		j.FailedAt = &now
		j.Err = &job.Error{Message: errMsg, Code: errCode}
		insertByScore(&qs.failed, a.jobs, id)
		return storage.DecisionFailed, nil
	}

	j.Retries++
	j.Status = job.StatusQueued
	j.StartedAt = nil
	j.Progress = 0
	j.ProgressMessage = ""
	j.Err = &job.Error{Message: errMsg, Code: errCode}
	// original QueuedAt is untouched, so Score() is unchanged: the job
	// keeps its position ahead of newly-enqueued same-priority work.
	insertByScore(&qs.queued, a.jobs, id)
	return storage.DecisionRetry, nil
}

// FailJobTerminal implements storage.Adapter: moves a running job
// straight to failed with no retry consideration (§4.4 "mark the job
// failed with code HANDLER_NOT_FOUND").
func (a *Adapter) FailJobTerminal(ctx context.Context, id string, errCode string, errMsg string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok || j.Status != job.StatusRunning {
		return false, nil
	}
	qs := a.queueLocked(j.Queue)
	removeID(&qs.running, id)

	now := time.Now()
	j.Status = job.StatusFailed
	j.FailedAt = &now
	j.Err = &job.Error{Message: errMsg, Code: errCode}
	insertByScore(&qs.failed, a.jobs, id)
	return true, nil
}

// CancelJob implements storage.Adapter: moves a queued or running job to
// cancelled regardless of retry budget (§4.4 cancelJob, §7 "A job
// cancelled while running ends in cancelled regardless of retries").
func (a *Adapter) CancelJob(ctx context.Context, id string, reason string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j, ok := a.jobs[id]
	if !ok || (j.Status != job.StatusQueued && j.Status != job.StatusRunning) {
		return false, nil
	}
	qs := a.queueLocked(j.Queue)
	removeID(qs.slice(j.Status), id)

	now := time.Now()
	j.Status = job.StatusCancelled
	j.CompletedAt = &now
	if reason != "" {
		j.Err = &job.Error{Message: reason, Code: "CANCELLED"}
	}
	insertByScore(&qs.cancelled, a.jobs, id)
	return true, nil
}

// GetQueueStats implements storage.Adapter.
func (a *Adapter) GetQueueStats(ctx context.Context, queueName string) (storage.Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	qs, ok := a.queues[queueName]
	if !ok {
		return storage.Stats{}, nil
	}
	s := storage.Stats{
		Queued:    len(qs.queued),
		Running:   len(qs.running),
		Completed: len(qs.completed),
		Failed:    len(qs.failed),
		Cancelled: len(qs.cancelled),
	}
	s.Total = s.Queued + s.Running + s.Completed + s.Failed + s.Cancelled
	return s, nil
}

// HealthCheck implements storage.Adapter: the in-memory adapter is
// always live within its own process.
func (a *Adapter) HealthCheck(ctx context.Context) (storage.Health, error) {
	return storage.Health{Healthy: true, Latency: 0, Detail: "in-memory"}, nil
}

// ListStale implements storage.Adapter. A process that dies takes its
// in-memory adapter down with it, so there is no crash/restart gap for
// a reaper to recover from here: always empty.
func (a *Adapter) ListStale(ctx context.Context, queueName string, olderThan time.Time) ([]job.Job, error) {
	return nil, nil
}

func opErrNotFound(op, id string) error {
	return &storage.OperationError{Operation: op, Key: id, Err: errJobNotFound}
}

var errJobNotFound = jobNotFoundError{}

type jobNotFoundError struct{}

func (jobNotFoundError) Error() string { return "job not found" }
