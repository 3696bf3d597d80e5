package middleware

import (
	"context"
	"sync"
	"time"

	adaptererrors "github.com/tidesapp/tidelink/adapter/errors"
)

// TimeoutConfig configures timeout behavior.
type TimeoutConfig struct {
	// Timeout is the default per-call timeout.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultTimeoutConfig returns a timeout config with sensible defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout: 30 * time.Second,
	}
}

// TimeoutMetrics tracks timeout middleware metrics.
type TimeoutMetrics struct {
	mu                 sync.RWMutex
	TotalRequests      int64
	SuccessfulRequests int64
	TimedOutRequests   int64
	FailedRequests     int64 // Failed for reasons other than timeout
	TotalDuration      time.Duration
	MinDuration        *time.Duration
	MaxDuration        *time.Duration
}

// NewTimeoutMetrics creates a new metrics instance.
func NewTimeoutMetrics() *TimeoutMetrics {
	return &TimeoutMetrics{}
}

// RecordSuccess records a successful request.
func (m *TimeoutMetrics) RecordSuccess(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	m.SuccessfulRequests++
	m.updateDurationStats(duration)
}

// RecordTimeout records a timed-out request.
func (m *TimeoutMetrics) RecordTimeout(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	m.TimedOutRequests++
	m.updateDurationStats(duration)
}

// RecordFailure records a failed request (non-timeout error).
func (m *TimeoutMetrics) RecordFailure(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	m.FailedRequests++
	m.updateDurationStats(duration)
}

// updateDurationStats updates duration statistics (must be called with lock held).
func (m *TimeoutMetrics) updateDurationStats(duration time.Duration) {
	m.TotalDuration += duration

	if m.MinDuration == nil || duration < *m.MinDuration {
		m.MinDuration = &duration
	}
	if m.MaxDuration == nil || duration > *m.MaxDuration {
		m.MaxDuration = &duration
	}
}

// AvgDuration returns the average request duration.
func (m *TimeoutMetrics) AvgDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.TotalRequests)
}

// Counts returns the success, timeout and failure counters.
func (m *TimeoutMetrics) Counts() (success, timedOut, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SuccessfulRequests, m.TimedOutRequests, m.FailedRequests
}

// Timeout bounds calls with a deadline and races them against it, so a call
// that ignores its context still returns on time.
type Timeout struct {
	config  TimeoutConfig
	metrics *TimeoutMetrics
}

// NewTimeout creates a new timeout guard.
func NewTimeout(config TimeoutConfig) *Timeout {
	// Apply defaults
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Timeout{
		config:  config,
		metrics: NewTimeoutMetrics(),
	}
}

// Metrics returns the timeout metrics.
func (t *Timeout) Metrics() *TimeoutMetrics {
	return t.metrics
}

// Call runs fn with a deadline of timeout (the configured default when zero).
// On expiry it returns *errors.AgentTimeoutError naming endpointID.
func (t *Timeout) Call(ctx context.Context, endpointID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = t.config.Timeout
	}
	startTime := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the goroutine never leaks after a timeout
	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		duration := time.Since(startTime)
		if err != nil {
			if timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				t.metrics.RecordTimeout(duration)
				return adaptererrors.NewAgentTimeoutError(endpointID, timeout)
			}
			t.metrics.RecordFailure(duration)
			return err
		}
		t.metrics.RecordSuccess(duration)
		return nil

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)
		if ctx.Err() != nil {
			t.metrics.RecordFailure(duration)
			return ctx.Err()
		}
		t.metrics.RecordTimeout(duration)
		return adaptererrors.NewAgentTimeoutError(endpointID, timeout)
	}
}
