// Copyright 2025 James Ross
// Package redisq is the distributed reference storage adapter of §4.1 /
// §6: one ordered set per (queue, lifecycle state), one hash per job,
// server-side Lua scripts for the three atomic transitions. It is
// grounded on the client-construction and health/stats shape of the
// teacher's internal/storage-backends/redis_lists.go, generalized from
// list semantics to the sorted-set + hash layout the spec mandates, and
// uses github.com/redis/go-redis/v9 (the pack's current client) rather
// than the older go-redis/redis/v8 import path the teacher's
// worker/producer/reaper packages carried — see DESIGN.md.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

const keyPrefix = "jobqueue:"

func queueKey(queueName string, state job.Status) string {
	return fmt.Sprintf("%squeue:%s:%s", keyPrefix, queueName, state)
}

func jobKey(id string) string {
	return fmt.Sprintf("%sjob:%s", keyPrefix, id)
}

// Adapter is the distributed storage.Adapter implementation.
type Adapter struct {
	rdb redis.Cmdable

	shaDequeue      string
	shaComplete     string
	shaFail         string
	shaFailTerminal string
	shaCancel       string
}

// New wraps an already-constructed redis client (typically produced by
// the connection supervisor, see internal/supervisor) and loads the
// Lua scripts used for atomic transitions.
func New(ctx context.Context, rdb redis.Cmdable) (*Adapter, error) {
	a := &Adapter{rdb: rdb}
	var err error
	if a.shaDequeue, err = rdb.ScriptLoad(ctx, dequeueScript).Result(); err != nil {
		return nil, opErr("SCRIPT_LOAD", "dequeue", err)
	}
	if a.shaComplete, err = rdb.ScriptLoad(ctx, completeScript).Result(); err != nil {
		return nil, opErr("SCRIPT_LOAD", "complete", err)
	}
	if a.shaFail, err = rdb.ScriptLoad(ctx, failScript).Result(); err != nil {
		return nil, opErr("SCRIPT_LOAD", "fail", err)
	}
	if a.shaFailTerminal, err = rdb.ScriptLoad(ctx, failTerminalScript).Result(); err != nil {
		return nil, opErr("SCRIPT_LOAD", "fail_terminal", err)
	}
	if a.shaCancel, err = rdb.ScriptLoad(ctx, cancelScript).Result(); err != nil {
		return nil, opErr("SCRIPT_LOAD", "cancel", err)
	}
	return a, nil
}

func opErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &storage.OperationError{Operation: op, Key: key, Err: err}
}

// evalsha runs a pre-loaded script, transparently reloading it on
// NOSCRIPT (e.g. after a backend restart flushed its script cache).
func (a *Adapter) evalsha(ctx context.Context, sha, src string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := a.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		res, err = a.rdb.Eval(ctx, src, keys, args...).Result()
	}
	return res, err
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// Enqueue implements storage.Adapter.
func (a *Adapter) Enqueue(ctx context.Context, queueName string, j job.Job) error {
	jc := j.Clone()
	jc.Queue = queueName
	jc.Status = job.StatusQueued

	pipe := a.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(jc.ID), toHash(jc))
	pipe.ZAdd(ctx, queueKey(queueName, job.StatusQueued), redis.Z{Score: jc.Score(), Member: jc.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return opErr("ENQUEUE", jc.ID, err)
	}
	return nil
}

// Dequeue implements storage.Adapter.
func (a *Adapter) Dequeue(ctx context.Context, queueName string) (*job.Job, error) {
	now := time.Now()
	res, err := a.evalsha(ctx, a.shaDequeue, dequeueScript,
		[]string{queueKey(queueName, job.StatusQueued), queueKey(queueName, job.StatusRunning)},
		now.UnixNano(), keyPrefix+"job:")
	if err == redis.Nil {
		// the script returns false for an empty queue
		return nil, nil
	}
	if err != nil {
		return nil, opErr("DEQUEUE", queueName, err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	return a.GetJob(ctx, id)
}

// Peek implements storage.Adapter.
func (a *Adapter) Peek(ctx context.Context, queueName string) (*job.Job, error) {
	ids, err := a.rdb.ZRange(ctx, queueKey(queueName, job.StatusQueued), 0, 0).Result()
	if err != nil {
		return nil, opErr("PEEK", queueName, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return a.GetJob(ctx, ids[0])
}

// GetJob implements storage.Adapter.
func (a *Adapter) GetJob(ctx context.Context, id string) (*job.Job, error) {
	fields, err := a.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, opErr("GET_JOB", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	j, err := fromHash(id, fields)
	if err != nil {
		return nil, opErr("GET_JOB", id, err)
	}
	return &j, nil
}

// ListJobs implements storage.Adapter.
func (a *Adapter) ListJobs(ctx context.Context, queueName string, filter storage.ListFilter) ([]job.Job, error) {
	statuses := filter.Status
	if len(statuses) == 0 {
		statuses = []job.Status{job.StatusQueued, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusCancelled}
	}

	var all []job.Job
	for _, s := range statuses {
		ids, err := a.rdb.ZRange(ctx, queueKey(queueName, s), 0, -1).Result()
		if err != nil {
			return nil, opErr("LIST_JOBS", queueName, err)
		}
		for _, id := range ids {
			j, err := a.GetJob(ctx, id)
			if err != nil {
				return nil, err
			}
			if j == nil {
				continue
			}
			if filter.Type != "" && j.Type != filter.Type {
				continue
			}
			all = append(all, *j)
		}
	}

	desc := filter.SortOrder == "desc"
	sortJobsByScore(all, desc)

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

func sortJobsByScore(jobs []job.Job, desc bool) {
	for i := 1; i < len(jobs); i++ {
		for k := i; k > 0; k-- {
			less := jobs[k].Score() < jobs[k-1].Score()
			if desc {
				less = jobs[k].Score() > jobs[k-1].Score()
			}
			if !less {
				break
			}
			jobs[k], jobs[k-1] = jobs[k-1], jobs[k]
		}
	}
}

// UpdateJob implements storage.Adapter. Field updates and a potential
// priority re-score are applied in a transaction pipeline; this is not
// a single atomic script because, unlike dequeue/complete/fail, no
// concurrent caller can observe a partially-applied update as a
// conflicting state transition (only the owning queue instance calls
// UpdateJob for a given job).
func (a *Adapter) UpdateJob(ctx context.Context, id string, patch storage.Patch) error {
	current, err := a.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return opErr("UPDATE_JOB", id, fmt.Errorf("job not found"))
	}

	fields := map[string]interface{}{}
	reScore := false
	if patch.Priority != nil {
		fields["priority"] = strconv.Itoa(*patch.Priority)
		reScore = *patch.Priority != current.Priority
		current.Priority = *patch.Priority
	}
	if patch.Progress != nil {
		fields["progress"] = strconv.Itoa(*patch.Progress)
	}
	if patch.ProgressMessage != nil {
		fields["progress_message"] = *patch.ProgressMessage
	}
	if patch.Metadata != nil {
		if current.Metadata == nil {
			current.Metadata = map[string]string{}
		}
		for k, v := range patch.Metadata {
			current.Metadata[k] = v
		}
		b, _ := json.Marshal(current.Metadata)
		fields["metadata"] = string(b)
	}
	if len(fields) == 0 {
		return nil
	}

	pipe := a.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(id), fields)
	if reScore {
		pipe.ZAdd(ctx, queueKey(current.Queue, current.Status), redis.Z{Score: current.Score(), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return opErr("UPDATE_JOB", id, err)
	}
	return nil
}

// RemoveJob implements storage.Adapter.
func (a *Adapter) RemoveJob(ctx context.Context, id string) (bool, error) {
	j, err := a.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	pipe := a.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(j.Queue, j.Status), id)
	pipe.Del(ctx, jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, opErr("REMOVE_JOB", id, err)
	}
	return true, nil
}

// CompleteJob implements storage.Adapter.
func (a *Adapter) CompleteJob(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	j, err := a.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	now := time.Now()
	res, err := a.evalsha(ctx, a.shaComplete, completeScript,
		[]string{queueKey(j.Queue, job.StatusRunning), queueKey(j.Queue, job.StatusCompleted)},
		id, now.UnixNano(), keyPrefix+"job:", string(result))
	if err != nil {
		return false, opErr("COMPLETE_JOB", id, err)
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

// FailJob implements storage.Adapter.
func (a *Adapter) FailJob(ctx context.Context, id string, errCode string, errMsg string) (storage.Decision, error) {
	j, err := a.GetJob(ctx, id)
	if err != nil {
		return storage.DecisionNoChange, err
	}
	if j == nil {
		return storage.DecisionNoChange, nil
	}
	now := time.Now()
	res, err := a.evalsha(ctx, a.shaFail, failScript,
		[]string{queueKey(j.Queue, job.StatusRunning), queueKey(j.Queue, job.StatusQueued), queueKey(j.Queue, job.StatusFailed)},
		id, now.UnixNano(), keyPrefix+"job:", errMsg, errCode)
	if err != nil {
		return storage.DecisionNoChange, opErr("FAIL_JOB", id, err)
	}
	switch res {
	case "retry":
		return storage.DecisionRetry, nil
	case "failed":
		return storage.DecisionFailed, nil
	default:
		return storage.DecisionNoChange, nil
	}
}

// FailJobTerminal implements storage.Adapter.
func (a *Adapter) FailJobTerminal(ctx context.Context, id string, errCode string, errMsg string) (bool, error) {
	j, err := a.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	now := time.Now()
	res, err := a.evalsha(ctx, a.shaFailTerminal, failTerminalScript,
		[]string{queueKey(j.Queue, job.StatusRunning), queueKey(j.Queue, job.StatusFailed)},
		id, now.UnixNano(), keyPrefix+"job:", errMsg, errCode)
	if err != nil {
		return false, opErr("FAIL_JOB_TERMINAL", id, err)
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

// CancelJob implements storage.Adapter.
func (a *Adapter) CancelJob(ctx context.Context, id string, reason string) (bool, error) {
	j, err := a.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	now := time.Now()
	res, err := a.evalsha(ctx, a.shaCancel, cancelScript,
		[]string{queueKey(j.Queue, job.StatusQueued), queueKey(j.Queue, job.StatusRunning), queueKey(j.Queue, job.StatusCancelled)},
		id, now.UnixNano(), keyPrefix+"job:", reason)
	if err != nil {
		return false, opErr("CANCEL_JOB", id, err)
	}
	ok, _ := res.(int64)
	return ok == 1, nil
}

// GetQueueStats implements storage.Adapter.
func (a *Adapter) GetQueueStats(ctx context.Context, queueName string) (storage.Stats, error) {
	var s storage.Stats
	counts := map[job.Status]*int{
		job.StatusQueued:    &s.Queued,
		job.StatusRunning:   &s.Running,
		job.StatusCompleted: &s.Completed,
		job.StatusFailed:    &s.Failed,
		job.StatusCancelled: &s.Cancelled,
	}
	for state, dst := range counts {
		n, err := a.rdb.ZCard(ctx, queueKey(queueName, state)).Result()
		if err != nil {
			return storage.Stats{}, opErr("GET_QUEUE_STATS", queueName, err)
		}
		*dst = int(n)
	}
	s.Total = s.Queued + s.Running + s.Completed + s.Failed + s.Cancelled
	return s, nil
}

// HealthCheck implements storage.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) (storage.Health, error) {
	start := time.Now()
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return storage.Health{Healthy: false, Detail: err.Error()}, nil
	}
	return storage.Health{Healthy: true, Latency: time.Since(start)}, nil
}

// ListStale implements storage.Adapter: every running job in queueName
// whose recorded startedAt predates olderThan, for the reaper's
// crash-recovery scan (a worker can die mid-attempt, leaving the job
// parked in the running set forever otherwise).
func (a *Adapter) ListStale(ctx context.Context, queueName string, olderThan time.Time) ([]job.Job, error) {
	ids, err := a.rdb.ZRange(ctx, queueKey(queueName, job.StatusRunning), 0, -1).Result()
	if err != nil {
		return nil, opErr("LIST_STALE", queueName, err)
	}
	var stale []job.Job
	for _, id := range ids {
		j, err := a.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if j == nil || j.Status != job.StatusRunning || j.StartedAt == nil {
			continue
		}
		if j.StartedAt.Before(olderThan) {
			stale = append(stale, *j)
		}
	}
	return stale, nil
}
