// Package queue holds requests that could not be completed immediately and
// replays them later in priority order with bounded concurrency, per-item
// retry with exponential backoff, and durable snapshots.
package queue

import (
	"fmt"
	"time"

	"github.com/tidesapp/tidelink/middleware"
)

// Config configures the request queue.
type Config struct {
	// MaxSize caps the number of queued items.
	// Default: 100
	MaxSize int `koanf:"max_size"`

	// BatchSize is the number of items taken per batch.
	// Default: 5
	BatchSize int `koanf:"batch_size"`

	// ProcessingInterval is the period of the background processing loop.
	// Default: 30s
	ProcessingInterval time.Duration `koanf:"processing_interval"`

	// MaxConcurrentProcessing caps parallel executions within a batch.
	// Default: 3
	MaxConcurrentProcessing int `koanf:"max_concurrent_processing"`

	// MaxAge expires items queued longer than this.
	// Default: 24h
	MaxAge time.Duration `koanf:"max_age"`

	// DefaultMaxRetries applies to items enqueued without MaxRetries.
	// Default: 3
	DefaultMaxRetries int `koanf:"default_max_retries"`

	// RequestTimeout bounds each replayed request.
	// Default: 30s
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// PriorityEnabled orders items by priority; otherwise FIFO.
	// Default: true
	PriorityEnabled bool `koanf:"priority_enabled"`

	// PersistenceEnabled snapshots the queue to the store after every change.
	// Default: true
	PersistenceEnabled bool `koanf:"persistence_enabled"`

	// ReplayRate limits replayed requests per second. Zero disables pacing.
	ReplayRate float64 `koanf:"replay_rate"`

	// ReplayBurst is the token bucket size for ReplayRate.
	// Default: 1
	ReplayBurst int `koanf:"replay_burst"`

	// Retry is the backoff and classification policy for failed items.
	Retry middleware.RetryPolicy `koanf:"retry"`
}

// DefaultConfig returns a queue config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:                 100,
		BatchSize:               5,
		ProcessingInterval:      30 * time.Second,
		MaxConcurrentProcessing: 3,
		MaxAge:                  24 * time.Hour,
		DefaultMaxRetries:       3,
		RequestTimeout:          30 * time.Second,
		PriorityEnabled:         true,
		PersistenceEnabled:      true,
		ReplayBurst:             1,
		Retry:                   middleware.DefaultRetryPolicy(),
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if c.MaxSize < 0 || c.BatchSize < 0 || c.MaxConcurrentProcessing < 0 || c.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue limits cannot be negative")
	}
	if c.ReplayRate < 0 {
		return fmt.Errorf("queue replay rate cannot be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = d.ProcessingInterval
	}
	if c.MaxConcurrentProcessing <= 0 {
		c.MaxConcurrentProcessing = d.MaxConcurrentProcessing
	}
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReplayBurst <= 0 {
		c.ReplayBurst = d.ReplayBurst
	}
	c.Retry = c.Retry.Normalized()
}
