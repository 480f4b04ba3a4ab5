// Copyright 2025 James Ross
// Command jobqueue wires the configuration, storage backend, and queue
// service together and runs until terminated. It is a trimmed
// descendant of the teacher's cmd/job-queue-system/main.go: the admin
// CLI, file-scanning producer, and TUI roles that main.go juggled via a
// --role flag have no counterpart here (spec.md places the CLI/HTTP/
// dashboard surface out of scope), leaving only the lifecycle shape:
// load config, build dependencies, start, wait for a signal, stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/breaker"
	"github.com/flyingrobots/go-jobqueue/internal/config"
	"github.com/flyingrobots/go-jobqueue/internal/eventbus"
	"github.com/flyingrobots/go-jobqueue/internal/eventbus/redisbus"
	"github.com/flyingrobots/go-jobqueue/internal/jobqueuesvc"
	"github.com/flyingrobots/go-jobqueue/internal/obs"
	"github.com/flyingrobots/go-jobqueue/internal/queueinst"
	"github.com/flyingrobots/go-jobqueue/internal/reaper"
	"github.com/flyingrobots/go-jobqueue/internal/registry"
	"github.com/flyingrobots/go-jobqueue/internal/storage"
	"github.com/flyingrobots/go-jobqueue/internal/storage/memory"
	"github.com/flyingrobots/go-jobqueue/internal/storage/redisq"
	"github.com/flyingrobots/go-jobqueue/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "jobqueue.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build dependencies: %w", err)
	}
	defer deps.close()

	reg := registry.NewBuilder().Build()

	queues := make([]*queueinst.Queue, 0, len(cfg.Queues))
	queueNames := make([]string, 0, len(cfg.Queues))
	for _, qc := range cfg.Queues {
		q, err := queueinst.New(queueinst.Config{
			Name:              qc.Name,
			Concurrency:       qc.Concurrency,
			DefaultTimeout:    qc.DefaultTimeout,
			DefaultMaxRetries: qc.DefaultMaxRetries,
			DefaultPriority:   qc.DefaultPriority,
		}, deps.store, log)
		if err != nil {
			return fmt.Errorf("build queue %q: %w", qc.Name, err)
		}
		queues = append(queues, q)
		queueNames = append(queueNames, qc.Name)
	}

	svc, err := jobqueuesvc.New(queues, reg, deps.store, log)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	if deps.bus != nil {
		if err := svc.AttachBus(ctx, jobqueuesvc.BusConfig{Bus: deps.bus, ChannelPrefix: cfg.ChannelPrefix}); err != nil {
			return fmt.Errorf("attach event bus: %w", err)
		}
	}

	obs.StartQueueLengthSampler(ctx, queueNames, deps.store, 2*time.Second, log)

	rep := reaper.New(reaper.Config{Queues: queueNames}, deps.store, log)
	go rep.Run(ctx)

	svc.StartAll()
	log.Info("jobqueue started", zap.Strings("queues", queueNames), obs.String("backend", string(cfg.Backend)), obs.Bool("bus_attached", deps.bus != nil))

	<-ctx.Done()
	log.Info("shutting down")

	results := svc.StopAll(jobqueuesvc.StopAllOptions{Graceful: true, Timeout: 30 * time.Second})
	for _, r := range results {
		log.Info("queue stopped", obs.String("queue", r.Queue), obs.Int("remaining", r.Remaining), zap.Duration("duration", r.Duration))
	}
	return nil
}

// deps holds everything run wires together that needs teardown on exit.
type deps struct {
	store storage.Adapter
	bus   eventbus.Bus
	sup   *supervisor.Supervisor
}

func (d *deps) close() {
	if d.sup != nil {
		_ = d.sup.Close()
	}
}

// buildDeps constructs the storage adapter and, for the redis backend,
// the connection supervisor and the breaker-guarded event bus used for
// fleet-wide job event propagation.
func buildDeps(ctx context.Context, cfg *config.Config, log *zap.Logger) (*deps, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &deps{store: memory.New()}, nil

	case config.BackendRedis:
		sup, err := supervisor.New(ctx, supervisor.Config{
			Host:           cfg.Redis.Host,
			Port:           cfg.Redis.Port,
			DB:             cfg.Redis.DB,
			Username:       cfg.Redis.Username,
			Password:       cfg.Redis.Password,
			ConnectTimeout: cfg.Redis.ConnectTimeout,
			CommandTimeout: cfg.Redis.CommandTimeout,
			MaxRetries:     cfg.Redis.MaxRetries,
			TLS:            cfg.Redis.TLS,
		}, log)
		if err != nil {
			return nil, err
		}
		store, err := redisq.New(ctx, sup.Data())
		if err != nil {
			_ = sup.Close()
			return nil, err
		}
		bus, err := buildBus(sup, cfg, log)
		if err != nil {
			_ = sup.Close()
			return nil, err
		}
		return &deps{store: store, bus: bus, sup: sup}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// buildBus constructs the distributed event bus backing fleet-wide job
// event propagation, guarded by the configured circuit breaker.
func buildBus(sup *supervisor.Supervisor, cfg *config.Config, log *zap.Logger) (eventbus.Bus, error) {
	cb, err := breaker.New(
		cfg.CircuitBreaker.FailureThreshold,
		cfg.CircuitBreaker.SuccessThreshold,
		cfg.CircuitBreaker.ResetTimeout,
		breaker.Callbacks{
			OnOpen: func(stats breaker.Stats) {
				obs.CircuitBreakerState.WithLabelValues("eventbus").Set(2)
				obs.CircuitBreakerTrips.WithLabelValues("eventbus").Inc()
				log.Warn("circuit breaker open", obs.Int("consecutive_fails", stats.ConsecutiveFails))
			},
			OnClose: func(stats breaker.Stats) {
				obs.CircuitBreakerState.WithLabelValues("eventbus").Set(0)
			},
			OnHalfOpen: func(stats breaker.Stats) {
				obs.CircuitBreakerState.WithLabelValues("eventbus").Set(1)
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("build circuit breaker: %w", err)
	}
	return redisbus.New(cfg.ChannelPrefix, sup.Publisher(), sup.Subscriber(), cb, log), nil
}
