// Copyright 2025 James Ross
package redisq

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/flyingrobots/go-jobqueue/internal/job"
)

const timeLayout = time.RFC3339Nano

// toHash flattens a job into the field set stored in its job:{id} hash
// (§3, §6): scalars as plain strings, structured fields as embedded
// JSON strings.
func toHash(j job.Job) map[string]interface{} {
	h := map[string]interface{}{
		"id":               j.ID,
		"type":             j.Type,
		"queue":            j.Queue,
		"data":             string(j.Data),
		"status":           string(j.Status),
		"priority":         strconv.Itoa(j.Priority),
		"queued_at":        strconv.FormatInt(j.QueuedAt, 10),
		"timeout_ns":       strconv.FormatInt(int64(j.Timeout), 10),
		"max_retries":      strconv.Itoa(j.MaxRetries),
		"retries":          strconv.Itoa(j.Retries),
		"progress":         strconv.Itoa(j.Progress),
		"progress_message": j.ProgressMessage,
		"started_at":       formatTime(j.StartedAt),
		"completed_at":     formatTime(j.CompletedAt),
		"failed_at":        formatTime(j.FailedAt),
		"result":           string(j.Result),
	}
	if j.Err != nil {
		h["error_message"] = j.Err.Message
		h["error_code"] = j.Err.Code
		h["error_stack"] = j.Err.Stack
	} else {
		h["error_message"] = ""
		h["error_code"] = ""
		h["error_stack"] = ""
	}
	if j.Metadata != nil {
		b, _ := json.Marshal(j.Metadata)
		h["metadata"] = string(b)
	} else {
		h["metadata"] = ""
	}
	if j.Tags != nil {
		b, _ := json.Marshal(j.Tags)
		h["tags"] = string(b)
	} else {
		h["tags"] = ""
	}
	return h
}

// fromHash is toHash's inverse, rebuilding a Job from a HGETALL result.
func fromHash(id string, f map[string]string) (job.Job, error) {
	j := job.Job{
		ID:              id,
		Type:            f["type"],
		Queue:           f["queue"],
		Status:          job.Status(f["status"]),
		ProgressMessage: f["progress_message"],
	}
	if f["data"] != "" {
		j.Data = json.RawMessage(f["data"])
	}
	if f["result"] != "" {
		j.Result = json.RawMessage(f["result"])
	}
	j.Priority, _ = strconv.Atoi(f["priority"])
	j.QueuedAt, _ = strconv.ParseInt(f["queued_at"], 10, 64)
	timeoutNS, _ := strconv.ParseInt(f["timeout_ns"], 10, 64)
	j.Timeout = time.Duration(timeoutNS)
	j.MaxRetries, _ = strconv.Atoi(f["max_retries"])
	j.Retries, _ = strconv.Atoi(f["retries"])
	j.Progress, _ = strconv.Atoi(f["progress"])

	j.StartedAt = parseTime(f["started_at"])
	j.CompletedAt = parseTime(f["completed_at"])
	j.FailedAt = parseTime(f["failed_at"])

	if f["error_message"] != "" || f["error_code"] != "" || f["error_stack"] != "" {
		j.Err = &job.Error{Message: f["error_message"], Code: f["error_code"], Stack: f["error_stack"]}
	}
	if f["metadata"] != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(f["metadata"]), &m); err != nil {
			return job.Job{}, err
		}
		j.Metadata = m
	}
	if f["tags"] != "" {
		var t []string
		if err := json.Unmarshal([]byte(f["tags"]), &t); err != nil {
			return job.Job{}, err
		}
		j.Tags = t
	}
	return j, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

// parseTime accepts both toHash's RFC3339Nano form and the unix-nano
// integers the Lua scripts stamp on state transitions.
func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		ns, nerr := strconv.ParseInt(s, 10, 64)
		if nerr != nil {
			return nil
		}
		t = time.Unix(0, ns)
	}
	return &t
}
