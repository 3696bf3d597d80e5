// Package config aggregates the configuration of every tidelink component
// and loads it from defaults, a YAML file and TIDELINK_ environment variables.
package config

import (
	"fmt"

	"github.com/tidesapp/tidelink/fallback"
	"github.com/tidesapp/tidelink/health"
	"github.com/tidesapp/tidelink/middleware"
	"github.com/tidesapp/tidelink/pool"
	"github.com/tidesapp/tidelink/queue"
	"github.com/tidesapp/tidelink/service"
	"github.com/tidesapp/tidelink/storage"
	"github.com/tidesapp/tidelink/tidelink"
	"github.com/tidesapp/tidelink/tools"
)

// Config is the complete tidelink configuration.
type Config struct {
	Endpoints     []tidelink.Endpoint             `koanf:"endpoints"`
	Pool          pool.Config                     `koanf:"pool"`
	Breaker       middleware.CircuitBreakerConfig `koanf:"breaker"`
	Queue         queue.Config                    `koanf:"queue"`
	Fallback      fallback.Config                 `koanf:"fallback"`
	Health        HealthConfig                    `koanf:"health"`
	Service       service.Config                  `koanf:"service"`
	Storage       storage.Config                  `koanf:"storage"`
	MCP           tools.MCPConfig                 `koanf:"mcp"`
	Observability ObservabilityConfig             `koanf:"observability"`
}

// HealthConfig adds an on/off switch to the health monitor settings. When
// enabled, the monitor replaces the pool's built-in probes.
type HealthConfig struct {
	Enabled       bool `koanf:"enabled"`
	health.Config `koanf:",squash"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `koanf:"log_level"`

	// StructuredLogs switches to one JSON object per record.
	StructuredLogs bool `koanf:"structured_logs"`

	ServiceName string `koanf:"service_name"`

	// MetricsEnabled installs the Prometheus meter provider.
	MetricsEnabled bool `koanf:"metrics_enabled"`

	// OTLPEndpoint receives traces over gRPC when set.
	OTLPEndpoint string `koanf:"otlp_endpoint"`

	// TracingConsole prints spans to stdout.
	TracingConsole bool `koanf:"tracing_console"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Pool:     pool.DefaultConfig(),
		Breaker:  middleware.DefaultCircuitBreakerConfig(),
		Queue:    queue.DefaultConfig(),
		Fallback: fallback.DefaultConfig(),
		Health: HealthConfig{
			Enabled: true,
			Config:  health.DefaultConfig(),
		},
		Service: service.DefaultConfig(),
		Storage: storage.DefaultConfig(),
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			ServiceName: "tidelink",
		},
	}
}

// Validate rejects impossible values in any section.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if seen[ep.ID] {
			return fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID)
		}
		seen[ep.ID] = true
	}
	if c.Pool.MaxConnections > 0 && len(c.Endpoints) > c.Pool.MaxConnections {
		return fmt.Errorf("%d endpoints configured but pool.max_connections is %d", len(c.Endpoints), c.Pool.MaxConnections)
	}

	checks := []struct {
		section string
		err     error
	}{
		{"pool", c.Pool.Validate()},
		{"breaker", c.Breaker.Validate()},
		{"queue", c.Queue.Validate()},
		{"fallback", c.Fallback.Validate()},
		{"health", c.Health.Validate()},
		{"service", c.Service.Validate()},
		{"storage", c.Storage.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("%s: %w", check.section, check.err)
		}
	}
	return nil
}
