// Package fallback provides the degraded-service chain used when the primary
// agent cannot answer: direct tool execution, cached responses, canned
// pattern replies and enqueue-for-later.
package fallback

import (
	"fmt"
	"time"
)

// Mode selects how stages are tried.
type Mode string

const (
	// Sequential tries stages in ascending priority.
	Sequential Mode = "sequential"
	// Parallel races the answering stages and falls through to the queue.
	Parallel Mode = "parallel"
	// Weighted orders stages by observed success rate times weight.
	Weighted Mode = "weighted"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case Sequential, Parallel, Weighted:
		return true
	}
	return false
}

// StageConfig configures one stage of the chain.
type StageConfig struct {
	Enabled bool `koanf:"enabled"`

	// Priority orders stages in sequential mode. Lower runs first.
	Priority int `koanf:"priority"`

	// Weight scales the observed success rate in weighted mode.
	// Default: 1.0
	Weight float64 `koanf:"weight"`
}

// CacheConfig configures the cache stage and the response cache behind it.
type CacheConfig struct {
	Enabled  bool    `koanf:"enabled"`
	Priority int     `koanf:"priority"`
	Weight   float64 `koanf:"weight"`

	// MaxAge rejects entries stored longer ago than this.
	// Default: 24h
	MaxAge time.Duration `koanf:"max_age"`

	// TTL sets the expiry of new entries.
	// Default: 24h
	TTL time.Duration `koanf:"ttl"`

	// MaxEntries bounds the cache; the least recently used entry is evicted.
	// Default: 500
	MaxEntries int `koanf:"max_entries"`

	// SimilarityThreshold is the minimum word overlap for a fuzzy hit.
	// Default: 0.6
	SimilarityThreshold float64 `koanf:"similarity_threshold"`

	// Persist snapshots the cache to the store after every change.
	Persist bool `koanf:"persist"`
}

func (c CacheConfig) stage() StageConfig {
	return StageConfig{Enabled: c.Enabled, Priority: c.Priority, Weight: c.Weight}
}

// Config configures the fallback chain.
type Config struct {
	// Strategy is sequential, parallel or weighted.
	// Default: sequential
	Strategy Mode `koanf:"strategy"`

	MCPDirect StageConfig `koanf:"mcp_direct"`
	Cache     CacheConfig `koanf:"cache"`
	Default   StageConfig `koanf:"default"`
	Queue     StageConfig `koanf:"queue"`
}

// DefaultConfig returns a fallback config with every stage enabled.
func DefaultConfig() Config {
	return Config{
		Strategy:  Sequential,
		MCPDirect: StageConfig{Enabled: true, Priority: 1, Weight: 1},
		Cache: CacheConfig{
			Enabled:             true,
			Priority:            2,
			Weight:              1,
			MaxAge:              24 * time.Hour,
			TTL:                 24 * time.Hour,
			MaxEntries:          500,
			SimilarityThreshold: 0.6,
			Persist:             true,
		},
		Default: StageConfig{Enabled: true, Priority: 3, Weight: 1},
		Queue:   StageConfig{Enabled: true, Priority: 4, Weight: 1},
	}
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	if c.Strategy != "" && !c.Strategy.Valid() {
		return fmt.Errorf("unknown fallback strategy %q", c.Strategy)
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache similarity threshold must be between 0 and 1, got %v", c.Cache.SimilarityThreshold)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if !c.Strategy.Valid() {
		c.Strategy = d.Strategy
	}
	for _, w := range []*float64{&c.MCPDirect.Weight, &c.Cache.Weight, &c.Default.Weight, &c.Queue.Weight} {
		if *w <= 0 {
			*w = 1
		}
	}
	c.Cache.applyDefaults()
}

func (c *CacheConfig) applyDefaults() {
	d := DefaultConfig().Cache
	if c.MaxAge <= 0 {
		c.MaxAge = d.MaxAge
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
}
