// Copyright 2025 James Ross
// Package supervisor maintains the three logical connections to the
// distributed backend described in §4.7: data, publisher, subscriber.
// Grounded on internal/redisclient/client.go for option construction
// and internal/storage-backends/redis_lists.go's ping-on-construct
// pattern, generalized to three connections with reconnect/backoff and
// health-check behaviour.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-jobqueue/internal/obs"
)

// ConnErrorKind classifies a connection failure (§4.7, §7).
type ConnErrorKind string

const (
	ErrConnectionRefused ConnErrorKind = "CONNECTION_REFUSED"
	ErrTimeout           ConnErrorKind = "TIMEOUT"
	ErrAuthFailed        ConnErrorKind = "AUTH_FAILED"
	ErrUnknown           ConnErrorKind = "UNKNOWN"
)

// ConnectionError is raised when a logical connection cannot be
// established after exhausting the backoff schedule.
type ConnectionError struct {
	Kind ConnErrorKind
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("supervisor: %s connecting to %s:%d: %v", e.Kind, e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func classify(err error, host string, port int) *ConnectionError {
	kind := ErrUnknown
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case isTimeout(err):
		kind = ErrTimeout
	case strings.Contains(err.Error(), "connection refused"):
		kind = ErrConnectionRefused
	case strings.Contains(strings.ToUpper(err.Error()), "NOAUTH"),
		strings.Contains(strings.ToUpper(err.Error()), "WRONGPASS"):
		kind = ErrAuthFailed
	}
	return &ConnectionError{Kind: kind, Host: host, Port: port, Err: err}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// maxBackoffAttempts is §4.7's "giving up after 10 attempts."
const maxBackoffAttempts = 10

func backoffDuration(attempt int) time.Duration {
	ms := 100 * (1 << attempt)
	if ms > 3000 {
		ms = 3000
	}
	return time.Duration(ms) * time.Millisecond
}

// Health is the result of a supervisor liveness probe.
type Health struct {
	Healthy bool
	Latency time.Duration
	Detail  string
}

// Supervisor owns the three logical connections to the distributed
// backend.
type Supervisor struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	data       *redis.Client
	publisher  *redis.Client
	subscriber *redis.Client
}

// New validates cfg, applies defaults, and establishes all three
// connections, tearing all of them down if any fails to connect
// (§4.7 "Tears down all three channels on any failure during startup").
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{cfg: cfg, log: log}

	data, err := s.dialWithBackoff(ctx, "data")
	if err != nil {
		return nil, err
	}
	publisher, err := s.dialWithBackoff(ctx, "publisher")
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	subscriber, err := s.dialWithBackoff(ctx, "subscriber")
	if err != nil {
		_ = data.Close()
		_ = publisher.Close()
		return nil, err
	}

	s.data, s.publisher, s.subscriber = data, publisher, subscriber
	return s, nil
}

func (s *Supervisor) options() *redis.Options {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Username:     s.cfg.Username,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		DialTimeout:  s.cfg.ConnectTimeout,
		ReadTimeout:  s.cfg.CommandTimeout,
		WriteTimeout: s.cfg.CommandTimeout,
		MaxRetries:   s.cfg.MaxRetries,
	}
	if s.cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

func (s *Supervisor) dialWithBackoff(ctx context.Context, role string) (*redis.Client, error) {
	var lastErr error
	for attempt := 0; attempt < maxBackoffAttempts; attempt++ {
		client := redis.NewClient(s.options())
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return client, nil
		}
		_ = client.Close()
		lastErr = err
		s.log.Warn("supervisor connection attempt failed",
			obs.String("role", role), obs.Int("attempt", attempt), obs.Err(err))

		if attempt == maxBackoffAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDuration(attempt)):
		}
	}
	return nil, classify(lastErr, s.cfg.Host, s.cfg.Port)
}

// Data returns the request/response connection.
func (s *Supervisor) Data() *redis.Client { return s.data }

// Publisher returns the outbound pub/sub connection.
func (s *Supervisor) Publisher() *redis.Client { return s.publisher }

// Subscriber returns the inbound pub/sub connection.
func (s *Supervisor) Subscriber() *redis.Client { return s.subscriber }

// HealthCheck pings the data connection and reports latency (§4.7
// "Exposes a health check that returns latency on success").
func (s *Supervisor) HealthCheck(ctx context.Context) (Health, error) {
	start := time.Now()
	if err := s.data.Ping(ctx).Err(); err != nil {
		return Health{Healthy: false, Detail: err.Error()}, nil
	}
	return Health{Healthy: true, Latency: time.Since(start)}, nil
}

// Close tears down all three connections.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range []*redis.Client{s.data, s.publisher, s.subscriber} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
