// Copyright 2025 James Ross
// Package jobqueuesvc is the multi-queue façade of §4.5, grounded on
// cmd/job-queue-system/main.go's wiring of producer+worker+reaper
// sharing one Redis client: that wiring is collapsed here into a
// single in-process object exposing the same lifecycle (construct,
// startAll, stopAll) rather than a set of independently-launched CLI
// roles.
package jobqueuesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/eventbus"
	"github.com/flyingrobots/go-jobqueue/internal/job"
	"github.com/flyingrobots/go-jobqueue/internal/obs"
	"github.com/flyingrobots/go-jobqueue/internal/queueinst"
	"github.com/flyingrobots/go-jobqueue/internal/registry"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

// BusConfig enables fleet propagation (§4.5 "Fleet propagation").
type BusConfig struct {
	Bus           eventbus.Bus
	ChannelPrefix string
}

// Service is the multi-queue façade.
type Service struct {
	storage storage.Adapter
	reg     *registry.Registry
	log     *zap.Logger

	queuesMu sync.RWMutex
	queues   map[string]*queueinst.Queue

	cacheMu sync.Mutex
	idCache map[string]string // job id -> queue name

	// listeners is the single fan-out point for both locally-observed
	// queueinst.Event values and bus-relayed peer events (§4.5 "Fleet
	// propagation"): every Subscribe caller's filter is registered here
	// once, and dispatch is fed from both handleLocalEvent and
	// handleBusEvent so a peer-originated job is indistinguishable from
	// a local one to a subscriber.
	listenersMu    sync.Mutex
	listeners      map[int]queueinst.Listener
	nextListenerID int

	bus      eventbus.Bus
	busCtx   context.Context
	originID string
	unsubBus func()
}

// New constructs a service over a fixed set of queue instances. For
// every (queue, jobType) pair the registry binds, the queue's own
// lightweight handler map is populated from the registry's Handler —
// the registry additionally carries schemas, which are a service-layer
// (validate-before-delegate) concern, not a queue-instance concern
// (§4.5 step 3 runs here, before the queue ever sees the job).
func New(queues []*queueinst.Queue, reg *registry.Registry, store storage.Adapter, log *zap.Logger) (*Service, error) {
	s := &Service{
		storage:   store,
		reg:       reg,
		log:       log,
		queues:    make(map[string]*queueinst.Queue, len(queues)),
		idCache:   make(map[string]string),
		listeners: make(map[int]queueinst.Listener),
	}
	for _, q := range queues {
		if _, exists := s.queues[q.Name()]; exists {
			return nil, fmt.Errorf("jobqueuesvc: duplicate queue name %q", q.Name())
		}
		s.queues[q.Name()] = q
		for _, jobType := range reg.JobTypes(q.Name()) {
			def, _ := reg.Lookup(q.Name(), jobType)
			if err := q.RegisterHandler(jobType, def.Handler); err != nil {
				return nil, err
			}
		}
		q.Subscribe(s.handleLocalEvent)
	}
	return s, nil
}

func (s *Service) queueNames() []string {
	s.queuesMu.RLock()
	defer s.queuesMu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for n := range s.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Service) queue(name string) (*queueinst.Queue, bool) {
	s.queuesMu.RLock()
	defer s.queuesMu.RUnlock()
	q, ok := s.queues[name]
	return q, ok
}

func (s *Service) cacheSet(id, queueName string) {
	s.cacheMu.Lock()
	s.idCache[id] = queueName
	s.cacheMu.Unlock()
}

func (s *Service) cacheGet(id string) (string, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	name, ok := s.idCache[id]
	return name, ok
}

// AddOptions mirrors queueinst.AddOptions at the service boundary.
type AddOptions = queueinst.AddOptions

// Add implements §4.5 "add": resolve queue, resolve handler
// registration, validate, delegate.
func (s *Service) Add(ctx context.Context, queueName, jobType string, data json.RawMessage, opts AddOptions) (string, error) {
	q, ok := s.queue(queueName)
	if !ok {
		return "", &QueueNotFoundError{Name: queueName, Available: s.queueNames()}
	}

	def, ok := s.reg.Lookup(queueName, jobType)
	if !ok {
		return "", &HandlerNotFoundError{Queue: queueName, JobType: jobType, Registered: s.reg.JobTypes(queueName)}
	}

	if def.InputSchema != nil {
		result := def.InputSchema.SafeParse(data)
		if !result.OK {
			return "", &ValidationError{Queue: queueName, JobType: jobType, Value: data, Errors: result.Errors}
		}
	}

	id, err := q.Add(ctx, jobType, data, opts)
	if err != nil {
		return "", err
	}
	s.cacheSet(id, queueName)
	return id, nil
}

// resolveQueue implements the §4.5 getJob/cancelJob resolution policy:
// explicit name wins; otherwise consult the cache; on a miss, fall
// back to the job's own Queue field recorded in storage (every queue
// shares one storage.Adapter, so that field is authoritative — no
// separate per-queue storage exists to literally "scan").
func (s *Service) resolveQueue(ctx context.Context, id, queueName string) (*queueinst.Queue, error) {
	if queueName != "" {
		q, ok := s.queue(queueName)
		if !ok {
			return nil, &QueueNotFoundError{Name: queueName, Available: s.queueNames()}
		}
		return q, nil
	}
	if cached, ok := s.cacheGet(id); ok {
		if q, ok := s.queue(cached); ok {
			return q, nil
		}
	}
	j, err := s.storage.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, &JobNotFoundError{ID: id}
	}
	q, ok := s.queue(j.Queue)
	if !ok {
		return nil, &QueueNotFoundError{Name: j.Queue, Available: s.queueNames()}
	}
	s.cacheSet(id, j.Queue)
	return q, nil
}

// GetJob implements §4.5 "getJob".
func (s *Service) GetJob(ctx context.Context, id, queueName string) (*job.Job, error) {
	if _, err := s.resolveQueue(ctx, id, queueName); err != nil {
		return nil, err
	}
	j, err := s.storage.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, &JobNotFoundError{ID: id}
	}
	return j, nil
}

// CancelJob implements §4.5 "cancelJob".
func (s *Service) CancelJob(ctx context.Context, id, queueName, reason string) error {
	q, err := s.resolveQueue(ctx, id, queueName)
	if err != nil {
		return err
	}
	return q.CancelJob(ctx, id, reason)
}

// ListJobs implements §4.5 "listJobs".
func (s *Service) ListJobs(ctx context.Context, queueName string, filter storage.ListFilter) ([]job.Job, error) {
	q, ok := s.queue(queueName)
	if !ok {
		return nil, &QueueNotFoundError{Name: queueName, Available: s.queueNames()}
	}
	return q.ListJobs(ctx, filter)
}

// GetQueueStats implements §4.5 "getQueueStats".
func (s *Service) GetQueueStats(ctx context.Context, queueName string) (storage.Stats, error) {
	q, ok := s.queue(queueName)
	if !ok {
		return storage.Stats{}, &QueueNotFoundError{Name: queueName, Available: s.queueNames()}
	}
	return q.GetStats(ctx)
}

// GetAllStats implements §4.5 "getAllStats".
func (s *Service) GetAllStats(ctx context.Context) (map[string]storage.Stats, error) {
	out := make(map[string]storage.Stats)
	for _, name := range s.queueNames() {
		q, _ := s.queue(name)
		stats, err := q.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}

// StartAll implements §4.5 "startAll": fan out to every queue
// concurrently.
func (s *Service) StartAll() {
	var wg sync.WaitGroup
	for _, name := range s.queueNames() {
		q, _ := s.queue(name)
		wg.Add(1)
		go func(q *queueinst.Queue) {
			defer wg.Done()
			q.Start()
		}(q)
	}
	wg.Wait()
}

// StopAllOptions configures StopAll.
type StopAllOptions struct {
	Graceful bool
	Timeout  time.Duration
}

// QueueStopResult is one queue's outcome from StopAll.
type QueueStopResult struct {
	Queue     string
	Remaining int
	Duration  time.Duration
}

// StopAll implements §4.5 "stopAll": fan out, aggregate durations.
func (s *Service) StopAll(opts StopAllOptions) []QueueStopResult {
	names := s.queueNames()
	results := make([]QueueStopResult, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		q, _ := s.queue(name)
		wg.Add(1)
		go func(i int, name string, q *queueinst.Queue) {
			defer wg.Done()
			start := time.Now()
			remaining := q.Stop(queueinst.StopOptions{Graceful: opts.Graceful, Timeout: opts.Timeout})
			results[i] = QueueStopResult{Queue: name, Remaining: remaining, Duration: time.Since(start)}
		}(i, name, q)
	}
	wg.Wait()

	if s.unsubBus != nil {
		s.unsubBus()
	}
	s.log.Info("stopAll complete", zap.Any("results", results))
	return results
}

// SubscribeCallbacks filters a queue's events down to one job id (§4.5
// "subscribe").
type SubscribeCallbacks struct {
	OnProgress  func(percent int, message string)
	OnCompleted func(job.Job)
	OnFailed    func(job.Job)
	OnCancelled func(job.Job)
}

// Subscribe implements §4.5 "subscribe", filtering down to one job id.
// Because every queue feeds handleLocalEvent into the same listener
// registry that handleBusEvent feeds, a subscriber sees a matching job
// id's transitions whether they were processed by this process's own
// queues or relayed in from a peer over the event bus (§4.5 "Fleet
// propagation").
func (s *Service) Subscribe(id string, cb SubscribeCallbacks) (unsubscribe func()) {
	listener := func(e queueinst.Event) {
		jobID := e.JobID
		if jobID == "" {
			jobID = e.Job.ID
		}
		if jobID != id {
			return
		}
		switch e.Type {
		case job.EventProgress:
			if cb.OnProgress != nil {
				cb.OnProgress(e.Percent, e.Message)
			}
		case job.EventCompleted:
			if cb.OnCompleted != nil {
				cb.OnCompleted(e.Job)
			}
		case job.EventFailed:
			if cb.OnFailed != nil {
				cb.OnFailed(e.Job)
			}
		case job.EventCancelled:
			if cb.OnCancelled != nil {
				cb.OnCancelled(e.Job)
			}
		}
	}

	s.listenersMu.Lock()
	id2 := s.nextListenerID
	s.nextListenerID++
	s.listeners[id2] = listener
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id2)
		s.listenersMu.Unlock()
	}
}

// dispatch fans an event out to every registered Subscribe listener,
// local or bus-relayed alike.
func (s *Service) dispatch(e queueinst.Event) {
	s.listenersMu.Lock()
	snapshot := make([]queueinst.Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	s.listenersMu.Unlock()

	for _, l := range snapshot {
		l(e)
	}
}

// handleLocalEvent is the single subscriber every queueinst.Queue this
// service owns feeds into: it fans the event out to Subscribe callers
// and, once a bus is attached, forwards it to peers.
func (s *Service) handleLocalEvent(e queueinst.Event) {
	s.dispatch(e)
	s.forwardToBus(e)
}

// AttachBus wires fleet propagation (§4.5 "Fleet propagation", §9):
// local events are forwarded to the bus stamped with this service's
// originId, and inbound bus events whose originId matches local are
// dropped so a local subscriber never observes its own change twice
// (§8 property 7, "echo suppression"). Genuine peer events are fed into
// the same dispatch path local events use, so Subscribe callers observe
// them identically (spec.md scenario S8).
func (s *Service) AttachBus(ctx context.Context, cfg BusConfig) error {
	s.bus = cfg.Bus
	s.busCtx = ctx
	s.originID = uuid.NewString()

	unsub, err := cfg.Bus.Subscribe("job:*", s.handleBusEvent)
	if err != nil {
		return err
	}
	s.unsubBus = unsub
	return nil
}

// busEventPayload is the wire shape forwardToBus publishes and
// handleBusEvent decodes, carrying everything dispatch needs to
// reconstruct the originating queueinst.Event on the receiving side.
type busEventPayload struct {
	Job     job.Job `json:"job"`
	JobID   string  `json:"job_id,omitempty"`
	Percent int     `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (s *Service) forwardToBus(e queueinst.Event) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(busEventPayload{Job: e.Job, JobID: e.JobID, Percent: e.Percent, Message: e.Message})
	if err != nil {
		s.log.Error("marshal event for bus failed", obs.Err(err))
		return
	}
	if err := s.bus.Publish(s.busCtx, e.Type, payload, eventbus.Meta{OriginID: s.originID}); err != nil {
		s.log.Error("publish to bus failed", obs.String("type", e.Type), obs.Err(err))
	}
}

// handleBusEvent decodes a peer-originated envelope and feeds it into
// the same dispatch path handleLocalEvent uses, so a process that never
// locally processed a job still observes its lifecycle via Subscribe
// (spec.md scenario S8). Echoes of this process's own events are
// dropped before decoding.
func (s *Service) handleBusEvent(ctx context.Context, env job.Envelope) {
	if env.OriginID == s.originID {
		return
	}
	var p busEventPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		s.log.Error("unmarshal peer event failed", obs.String("type", env.Type), obs.Err(err))
		return
	}
	s.dispatch(queueinst.Event{Type: env.Type, Job: p.Job, JobID: p.JobID, Percent: p.Percent, Message: p.Message})
}
