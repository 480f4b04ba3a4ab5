// Copyright 2025 James Ross
// Package config loads and validates jobqueue's top-level configuration,
// mirroring the teacher's internal/config.Config: viper-backed load with
// defaults set before the optional file read, then a fail-fast Validate
// pass. The teacher's Worker/Producer/ExactlyOnce sections have no
// counterpart in this system's data model and are replaced by Queues
// (§3 "Queue configuration") and a Redis section shaped like
// internal/supervisor.Config rather than the teacher's pooled-client
// settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the connection supervisor (§4.7).
type Redis struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	DB             int           `mapstructure:"db"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	TLS            bool          `mapstructure:"tls"`
}

// CircuitBreaker configures the breaker wrapping event-bus publishes
// (§4.2).
type CircuitBreaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// Observability carries the log level only: this module has no
// metrics-port or tracing configuration (ambient stack Non-goal, see
// DESIGN.md).
type Observability struct {
	LogLevel string `mapstructure:"log_level"`
}

// QueueConfig is one entry of the Queues block (§3 "Queue configuration").
type QueueConfig struct {
	Name              string        `mapstructure:"name"`
	Concurrency       int           `mapstructure:"concurrency"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	DefaultPriority   int           `mapstructure:"default_priority"`
}

// Backend selects which storage.Adapter implementation to construct.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config is the top-level configuration tree.
type Config struct {
	Backend        Backend        `mapstructure:"backend"`
	Redis          Redis          `mapstructure:"redis"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	ChannelPrefix  string         `mapstructure:"channel_prefix"`
	Queues         []QueueConfig  `mapstructure:"queues"`
}

func defaultConfig() *Config {
	return &Config{
		Backend: BackendMemory,
		Redis: Redis{
			Host:           "localhost",
			Port:           6379,
			DB:             0,
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 5 * time.Second,
			MaxRetries:     3,
			TLS:            false,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		Observability: Observability{
			LogLevel: "info",
		},
		ChannelPrefix: "jobqueue",
		Queues: []QueueConfig{
			{Name: "default", Concurrency: 4, DefaultTimeout: 30 * time.Second, DefaultMaxRetries: 3, DefaultPriority: 5},
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// for anything the file and environment don't set.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JOBQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("backend", string(def.Backend))

	v.SetDefault("redis.host", def.Redis.Host)
	v.SetDefault("redis.port", def.Redis.Port)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.connect_timeout", def.Redis.ConnectTimeout)
	v.SetDefault("redis.command_timeout", def.Redis.CommandTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("redis.tls", def.Redis.TLS)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.reset_timeout", def.CircuitBreaker.ResetTimeout)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("channel_prefix", def.ChannelPrefix)
	v.SetDefault("queues", []map[string]interface{}{
		{
			"name":                "default",
			"concurrency":         4,
			"default_timeout":     "30s",
			"default_max_retries": 3,
			"default_priority":    5,
		},
	})

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on the first
// violation (teacher's fail-fast style).
func Validate(cfg *Config) error {
	if cfg.Backend != BackendMemory && cfg.Backend != BackendRedis {
		return fmt.Errorf("backend must be %q or %q", BackendMemory, BackendRedis)
	}
	if cfg.Redis.Host == "" {
		return fmt.Errorf("redis.host must be non-empty")
	}
	if cfg.Redis.Port < 1 || cfg.Redis.Port > 65535 {
		return fmt.Errorf("redis.port must be 1..65535")
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0")
	}
	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be >= 1")
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be > 0")
	}
	if len(cfg.Queues) == 0 {
		return fmt.Errorf("queues must be non-empty")
	}
	seen := make(map[string]bool, len(cfg.Queues))
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue.name must be non-empty")
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue name %q", q.Name)
		}
		seen[q.Name] = true
		if q.Concurrency < 1 {
			return fmt.Errorf("queue %q: concurrency must be >= 1", q.Name)
		}
		if q.DefaultMaxRetries < 0 {
			return fmt.Errorf("queue %q: default_max_retries must be >= 0", q.Name)
		}
	}
	return nil
}
