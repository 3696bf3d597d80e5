// Package service is the entry point for sending messages to the agent. It
// routes each message through the pool and circuit breakers to a primary
// endpoint and falls back to the fallback chain when no primary answers.
package service

import (
	"fmt"
	"time"
)

// Config configures the agent service.
type Config struct {
	// PrimaryAttempts is the number of distinct healthy connections tried
	// before falling back.
	// Default: 2
	PrimaryAttempts int `koanf:"primary_attempts"`

	// RequestTimeout bounds a primary request when the endpoint has no timeout.
	// Default: 30s
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// CachePrimaryResponses stores primary answers in the fallback cache.
	CachePrimaryResponses bool `koanf:"cache_primary_responses"`
}

// DefaultConfig returns a service config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PrimaryAttempts:       2,
		RequestTimeout:        30 * time.Second,
		CachePrimaryResponses: true,
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if c.PrimaryAttempts < 0 {
		return fmt.Errorf("primary attempts cannot be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PrimaryAttempts <= 0 {
		c.PrimaryAttempts = d.PrimaryAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
}
