// Copyright 2025 James Ross
package jobqueuesvc

import (
	"fmt"
	"strings"

	"github.com/flyingrobots/go-jobqueue/internal/schema"
)

// QueueNotFoundError is raised by add/getJob/cancelJob for an unknown
// queue name (§7 QueueNotFound).
type QueueNotFoundError struct {
	Name      string
	Available []string
}

func (e *QueueNotFoundError) Error() string {
	return fmt.Sprintf("jobqueuesvc: queue %q not found (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// HandlerNotFoundError is raised by add, at enqueue time, when no
// handler is registered for (queue, jobType) (§7 HandlerNotFound).
type HandlerNotFoundError struct {
	Queue      string
	JobType    string
	Registered []string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("jobqueuesvc: no handler for %s:%s (registered: %s)", e.Queue, e.JobType, strings.Join(e.Registered, ", "))
}

// ValidationError is raised by add when the submitted data fails the
// job type's input schema (§7 ValidationError).
type ValidationError struct {
	Queue   string
	JobType string
	Value   []byte
	Errors  []schema.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("jobqueuesvc: validation failed for %s:%s (%d error(s))", e.Queue, e.JobType, len(e.Errors))
}

// JobNotFoundError is raised by getJob/cancelJob when no queue holds
// the requested id.
type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("jobqueuesvc: job %q not found", e.ID)
}
