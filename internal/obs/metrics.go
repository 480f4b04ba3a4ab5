// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Job lifecycle counters/gauges (§8 "Testable Properties" implies every
// transition is observable). This module does not start an HTTP
// /metrics server: exposition is the embedding binary's concern, this
// package only registers instruments against the default registry.
var (
	JobsQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_queued_total",
		Help: "Total number of jobs enqueued",
	}, []string{"queue"})
	JobsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_started_total",
		Help: "Total number of job attempts started",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	}, []string{"queue", "code"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_retried_total",
		Help: "Total number of job retries scheduled",
	}, []string{"queue"})
	JobsCancelled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	}, []string{"queue"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobqueue_job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_in_flight",
		Help: "Number of jobs currently being processed",
	}, []string{"queue"})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_queue_length",
		Help: "Current number of queued (not yet dequeued) jobs",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobqueue_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"name"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	}, []string{"name"})
	ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobqueue_reaper_recovered_total",
		Help: "Total number of stale jobs recovered by the reaper",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		JobsQueued, JobsStarted, JobsCompleted, JobsFailed, JobsRetried, JobsCancelled,
		JobProcessingDuration, InFlight, QueueLength, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered,
	)
}
