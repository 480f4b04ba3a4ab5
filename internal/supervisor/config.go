// Copyright 2025 James Ross
package supervisor

import (
	"fmt"
	"time"
)

// Config describes the distributed backend connection (§4.7).
// config.Config's Redis section mirrors this shape field-for-field so
// cmd/jobqueue can translate one into the other at startup.
type Config struct {
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

// DefaultConfig returns the documented defaults (§4.7): port 6379, db 0,
// connect timeout 10s, command timeout 5s, max retries 3, TLS off.
func DefaultConfig() Config {
	return Config{
		Port:           6379,
		DB:             0,
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 5 * time.Second,
		MaxRetries:     3,
		TLS:            false,
	}
}

// withDefaults fills any zero-valued field from DefaultConfig, leaving
// an explicit Host required.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	return c
}

// Validate eagerly checks configuration (§4.7 "Validates configuration
// eagerly").
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("supervisor: host must be non-empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("supervisor: port must be 1..65535, got %d", c.Port)
	}
	if c.DB < 0 {
		return fmt.Errorf("supervisor: db must be non-negative, got %d", c.DB)
	}
	return nil
}
