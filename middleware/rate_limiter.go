package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig configures rate limiter behavior.
type RateLimiterConfig struct {
	// Rate is the number of tokens added per second. Zero disables limiting.
	Rate float64 `koanf:"rate"`

	// Burst is the maximum burst capacity.
	// Default: 1
	Burst int `koanf:"burst"`
}

// RateLimiterMetrics tracks rate limiter metrics.
type RateLimiterMetrics struct {
	mu               sync.RWMutex
	TotalRequests    int64
	AllowedRequests  int64
	RejectedRequests int64
	TotalWaitTime    time.Duration // Total time spent waiting for tokens
}

// RateLimitError is returned when waiting for a token was abandoned.
type RateLimitError struct {
	Cause error
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit wait abandoned: %v", e.Cause)
}

func (e *RateLimitError) Unwrap() error {
	return e.Cause
}

// RateLimiter paces calls with a token bucket. A nil *RateLimiter never waits.
type RateLimiter struct {
	limiter *rate.Limiter
	metrics *RateLimiterMetrics
}

// NewRateLimiter creates a token bucket limiter, or nil when config.Rate is zero.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		return nil
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		metrics: &RateLimiterMetrics{},
	}
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	start := time.Now()
	err := r.limiter.Wait(ctx)

	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	r.metrics.TotalRequests++
	r.metrics.TotalWaitTime += time.Since(start)
	if err != nil {
		r.metrics.RejectedRequests++
		return &RateLimitError{Cause: err}
	}
	r.metrics.AllowedRequests++
	return nil
}

// Allow reports whether a token is available now, consuming it if so.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	ok := r.limiter.Allow()

	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	r.metrics.TotalRequests++
	if ok {
		r.metrics.AllowedRequests++
	} else {
		r.metrics.RejectedRequests++
	}
	return ok
}

// Metrics returns the rate limiter metrics.
func (r *RateLimiter) Metrics() *RateLimiterMetrics {
	if r == nil {
		return &RateLimiterMetrics{}
	}
	return r.metrics
}
