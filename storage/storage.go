// Package storage provides the durable key-value stores used to persist the
// request queue and the fallback response cache across restarts.
package storage

import (
	"context"
	"fmt"
)

// Store is a durable string key-value store.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config selects and configures a store backend.
type Config struct {
	// Driver is one of memory, file, redis, postgres.
	// Default: file
	Driver string `koanf:"driver"`

	// Path is the directory used by the file driver.
	// Default: .tidelink
	Path string `koanf:"path"`

	// URL is the connection string for the redis and postgres drivers.
	URL string `koanf:"url"`

	// KeyPrefix namespaces keys in shared backends.
	// Default: tidelink
	KeyPrefix string `koanf:"key_prefix"`
}

// DefaultConfig returns a storage config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:    DriverFile,
		Path:      ".tidelink",
		KeyPrefix: "tidelink",
	}
}

// Validate checks the config names a known driver with its required fields.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory, DriverFile, "":
		return nil
	case DriverRedis, DriverPostgres:
		if c.URL == "" {
			return fmt.Errorf("storage driver %q requires a url", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("unknown storage driver %q", c.Driver)
	}
}

// Open constructs the store selected by config.
func Open(ctx context.Context, config Config) (Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "tidelink"
	}

	switch config.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		return NewRedisStore(ctx, config.URL, config.KeyPrefix)
	case DriverPostgres:
		return NewPostgresStore(ctx, config.URL, config.KeyPrefix)
	default:
		path := config.Path
		if path == "" {
			path = ".tidelink"
		}
		return NewFileStore(path)
	}
}
