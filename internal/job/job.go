// Copyright 2025 James Ross
package job

import (
	"encoding/json"
	"time"
)

// Status is a job's position in its lifecycle state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Error is the structured failure recorded on a job when it ends in
// StatusFailed.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Job is the central entity persisted by a storage adapter. It is never
// mutated in place by a queue instance; every change flows through the
// adapter's atomic operations (Enqueue/UpdateJob/CompleteJob/FailJob).
type Job struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Queue    string `json:"queue"`
	Data     json.RawMessage `json:"data"`

	Status   Status `json:"status"`
	Priority int    `json:"priority"`
	QueuedAt int64  `json:"queued_at"` // unix nanos, monotonic-enough within a process

	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	Retries    int           `json:"retries"`

	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
}

// Score is the ordered-set score used by storage adapters for
// priority-before-FIFO dequeue: smaller scores are processed first.
func (j Job) Score() float64 {
	return float64(j.Priority) + float64(j.QueuedAt)/1e13
}

// Marshal serializes a job to its wire form.
func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// Unmarshal parses a job from its wire form.
func Unmarshal(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}

// Clone returns a deep-enough copy for safe handoff across goroutines;
// the Data/Result raw payloads are shared (they are treated as immutable
// once set).
func (j Job) Clone() Job {
	c := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.FailedAt != nil {
		t := *j.FailedAt
		c.FailedAt = &t
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	return c
}
