// Package pool manages the set of agent endpoints, tracks their health and
// picks one per outgoing request with a configurable load-balancing strategy.
package pool

import (
	"fmt"
	"time"
)

// Strategy selects among eligible connections.
type Strategy string

const (
	// RoundRobin cycles through the eligible connections.
	RoundRobin Strategy = "round_robin"
	// LeastConnections picks the connection with the fewest active requests.
	LeastConnections Strategy = "least_connections"
	// Weighted picks the connection with the lowest configured priority value.
	Weighted Strategy = "weighted"
	// Random picks uniformly at random.
	Random Strategy = "random"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, LeastConnections, Weighted, Random:
		return true
	}
	return false
}

// Config configures the pool manager.
type Config struct {
	// Strategy is the load-balancing strategy.
	// Default: round_robin
	Strategy Strategy `koanf:"strategy"`

	// MaxConnections caps the number of registered endpoints.
	// Default: 10
	MaxConnections int `koanf:"max_connections"`

	// HealthCheckInterval is the period of the background probe loop.
	// Default: 30s
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`

	// HealthCheckTimeout bounds each probe when the endpoint has no timeout.
	// Default: 5s
	HealthCheckTimeout time.Duration `koanf:"health_check_timeout"`

	// UnhealthyThreshold is the error count that marks a connection failed.
	// Half of it (at least one) marks the connection degraded.
	// Default: 3
	UnhealthyThreshold int `koanf:"unhealthy_threshold"`

	// CleanupInterval is the period of the eviction loop.
	// Default: 60s
	CleanupInterval time.Duration `koanf:"cleanup_interval"`

	// MaxConnectionAge evicts unhealthy connections older than this.
	// Default: 30m
	MaxConnectionAge time.Duration `koanf:"max_connection_age"`

	// MaxIdleConnections is the idle watermark above which idle connections are evicted.
	// Default: 5
	MaxIdleConnections int `koanf:"max_idle_connections"`

	// IdleTimeout is how long a connection must be unused before idle eviction.
	// Default: 5m
	IdleTimeout time.Duration `koanf:"idle_timeout"`

	// ExternalHealthChecks disables the built-in probe loop. Health is then
	// fed through UpdateHealth, typically by a health monitor.
	ExternalHealthChecks bool `koanf:"external_health_checks"`
}

// DefaultConfig returns a pool config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:            RoundRobin,
		MaxConnections:      10,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		UnhealthyThreshold:  3,
		CleanupInterval:     60 * time.Second,
		MaxConnectionAge:    30 * time.Minute,
		MaxIdleConnections:  5,
		IdleTimeout:         5 * time.Minute,
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if c.Strategy != "" && !c.Strategy.Valid() {
		return fmt.Errorf("unknown pool strategy %q", c.Strategy)
	}
	if c.MaxConnections < 0 || c.UnhealthyThreshold < 0 || c.MaxIdleConnections < 0 {
		return fmt.Errorf("pool limits cannot be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if !c.Strategy.Valid() {
		c.Strategy = d.Strategy
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxConnectionAge <= 0 {
		c.MaxConnectionAge = d.MaxConnectionAge
	}
	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = d.MaxIdleConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
}
