// Package health runs an independent periodic prober over agent connections,
// aggregates availability and latency metrics from a rolling sample buffer,
// and emits connection state events to subscribers.
package health

import (
	"fmt"
	"net/http"
	"time"
)

// ValidationConfig describes the expected shape of a health-check response body.
type ValidationConfig struct {
	// RequiredFields are dotted JSON paths that must be present, e.g. "data.status".
	RequiredFields []string `koanf:"required_fields"`

	// ExpectedValues maps dotted JSON paths to the value they must hold.
	ExpectedValues map[string]string `koanf:"expected_values"`

	// MinResponseSize is the minimum body size in bytes.
	MinResponseSize int `koanf:"min_response_size"`
}

func (v ValidationConfig) enabled() bool {
	return len(v.RequiredFields) > 0 || len(v.ExpectedValues) > 0 || v.MinResponseSize > 0
}

// Config configures the health monitor.
type Config struct {
	// Interval is the period between check rounds.
	// Default: 30s
	Interval time.Duration `koanf:"interval"`

	// InitialDelay postpones the first round after Start.
	// Default: 5s
	InitialDelay time.Duration `koanf:"initial_delay"`

	// Timeout bounds each check.
	// Default: 10s
	Timeout time.Duration `koanf:"timeout"`

	// Retention is how long samples are kept for metrics.
	// Default: 168h (7 days)
	Retention time.Duration `koanf:"retention"`

	// MaxSamples caps the sample buffer per connection.
	// Default: 10000
	MaxSamples int `koanf:"max_samples"`

	// UnhealthyThreshold is the consecutive failure count that marks a connection lost.
	// Half of it (at least one) marks the connection degraded.
	// Default: 3
	UnhealthyThreshold int `koanf:"unhealthy_threshold"`

	// Method is the HTTP method of the check.
	// Default: GET
	Method string `koanf:"method"`

	// EndpointSuffix is appended to the endpoint URL.
	// Default: /status
	EndpointSuffix string `koanf:"endpoint_suffix"`

	// ExpectedStatusCodes are the HTTP statuses counted as healthy.
	// Default: [200]
	ExpectedStatusCodes []int `koanf:"expected_status_codes"`

	// Validation optionally checks the response body.
	Validation ValidationConfig `koanf:"validation"`
}

// DefaultConfig returns a health monitor config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		InitialDelay:        5 * time.Second,
		Timeout:             10 * time.Second,
		Retention:           7 * 24 * time.Hour,
		MaxSamples:          10000,
		UnhealthyThreshold:  3,
		Method:              http.MethodGet,
		EndpointSuffix:      "/status",
		ExpectedStatusCodes: []int{http.StatusOK},
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	for _, code := range c.ExpectedStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("invalid expected status code %d", code)
		}
	}
	if c.MaxSamples < 0 || c.UnhealthyThreshold < 0 || c.Validation.MinResponseSize < 0 {
		return fmt.Errorf("health limits cannot be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = d.MaxSamples
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.Method == "" {
		c.Method = d.Method
	}
	if c.EndpointSuffix == "" {
		c.EndpointSuffix = d.EndpointSuffix
	}
	if len(c.ExpectedStatusCodes) == 0 {
		c.ExpectedStatusCodes = d.ExpectedStatusCodes
	}
}
