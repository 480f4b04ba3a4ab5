// Copyright 2025 James Ross
package queueinst

import "github.com/flyingrobots/go-jobqueue/internal/job"

// Event is a local, in-process notification of a job lifecycle
// transition (§4.4 "subscribe"). Fleet-wide propagation of the same
// transitions over the event bus is a jobqueuesvc concern, not this
// package's: a Queue has no notion of other processes.
type Event struct {
	Type    string
	Job     job.Job
	JobID   string
	Percent int
	Message string
}

// Listener receives every event emitted by a Queue it has subscribed to.
type Listener func(Event)

// Subscribe registers a listener and returns an unsubscribe function
// (§4.4 "subscribe").
func (q *Queue) Subscribe(l Listener) (unsubscribe func()) {
	q.listenersMu.Lock()
	id := q.nextListenerID
	q.nextListenerID++
	q.listeners[id] = l
	q.listenersMu.Unlock()

	return func() {
		q.listenersMu.Lock()
		delete(q.listeners, id)
		q.listenersMu.Unlock()
	}
}

func (q *Queue) emit(e Event) {
	q.listenersMu.Lock()
	snapshot := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		snapshot = append(snapshot, l)
	}
	q.listenersMu.Unlock()

	for _, l := range snapshot {
		l(e)
	}
}
