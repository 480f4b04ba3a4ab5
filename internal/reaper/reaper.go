// Copyright 2025 James Ross
// Package reaper recovers jobs abandoned mid-attempt by a worker that
// crashed or was killed before it could complete, fail, or cancel them.
// It is grounded on the teacher's internal/reaper, adapted from scanning
// Redis list keys by pattern to scanning storage.Adapter's running index
// per queue: a job stuck in running past a staleness threshold is
// retried exactly as if its attempt had failed normally, so the
// existing retry-vs-terminal decision in storage.Adapter.FailJob still
// applies uniformly.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/obs"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
)

// Config controls how aggressively the reaper looks for abandoned jobs.
type Config struct {
	Queues       []string
	Staleness    time.Duration
	ScanInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Minute
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	return c
}

// Reaper periodically recovers running jobs whose owning worker never
// came back.
type Reaper struct {
	cfg     Config
	storage storage.Adapter
	log     *zap.Logger
}

// New constructs a reaper bound to a storage adapter. Passing the
// in-memory adapter is harmless but pointless: it always reports no
// stale jobs (see storage/memory.Adapter.ListStale).
func New(cfg Config, store storage.Adapter, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg.withDefaults(), storage: store, log: log}
}

// Run blocks, scanning on cfg.ScanInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Staleness)
	for _, queueName := range r.cfg.Queues {
		stale, err := r.storage.ListStale(ctx, queueName, cutoff)
		if err != nil {
			r.log.Warn("reaper scan failed", obs.String("queue", queueName), obs.Err(err))
			continue
		}
		for _, j := range stale {
			decision, err := r.storage.FailJob(ctx, j.ID, "REAPED", "owning worker did not report back before staleness threshold")
			if err != nil {
				r.log.Error("reaper requeue failed", obs.String("job_id", j.ID), obs.Err(err))
				continue
			}
			obs.ReaperRecovered.WithLabelValues(queueName).Inc()
			r.log.Warn("recovered abandoned job",
				obs.String("job_id", j.ID),
				obs.String("queue", queueName),
				obs.String("decision", string(decision)),
				zap.Duration("age", time.Since(*j.StartedAt)),
			)
		}
	}
}
