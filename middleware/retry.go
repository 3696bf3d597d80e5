package middleware

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	adaptererrors "github.com/tidesapp/tidelink/adapter/errors"
)

// RetryPolicy configures exponential backoff and error classification.
type RetryPolicy struct {
	// InitialDelay is the delay before the first retry.
	// Default: 1s
	InitialDelay time.Duration `koanf:"initial_delay"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`

	// MaxDelay caps the computed delay.
	// Default: 30s
	MaxDelay time.Duration `koanf:"max_delay"`

	// JitterEnabled adds up to 10% random jitter to each delay.
	JitterEnabled bool `koanf:"jitter_enabled"`

	// RetryableErrors are case-insensitive substrings marking an error as retryable.
	RetryableErrors []string `koanf:"retryable_errors"`

	// NonRetryableErrors are case-insensitive substrings marking an error as permanent.
	// They take precedence over RetryableErrors.
	NonRetryableErrors []string `koanf:"non_retryable_errors"`
}

// DefaultRetryPolicy returns a retry policy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		JitterEnabled:     true,
		RetryableErrors: []string{
			"timeout",
			"timed out",
			"connection refused",
			"connection reset",
			"network",
			"unavailable",
			"http 502",
			"http 503",
			"http 504",
			"http 429",
		},
		NonRetryableErrors: []string{
			"http 400",
			"http 401",
			"http 403",
			"http 404",
			"http 422",
			"invalid response",
		},
	}
}

func (p *RetryPolicy) applyDefaults() {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
}

// Normalized returns a copy of the policy with defaults applied to zero fields.
func (p RetryPolicy) Normalized() RetryPolicy {
	p.applyDefaults()
	return p
}

// Delay returns the backoff before retry number attempt (1-based):
// InitialDelay * BackoffMultiplier^(attempt-1), jittered and capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p.applyDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if p.JitterEnabled {
		delay += delay * 0.1 * rand.Float64()
	}
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// IsRetryable classifies err. Non-retryable patterns win over retryable ones;
// when no pattern matches the transient-network check decides.
func (p RetryPolicy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range p.NonRetryableErrors {
		if pattern != "" && strings.Contains(msg, strings.ToLower(pattern)) {
			return false
		}
	}
	for _, pattern := range p.RetryableErrors {
		if pattern != "" && strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return adaptererrors.IsTransient(err)
}

// Retry runs fn up to maxAttempts times, sleeping per policy between attempts.
// It stops early on non-retryable errors or when ctx is done.
func Retry(ctx context.Context, policy RetryPolicy, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.IsRetryable(err) {
			return fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, maxAttempts, err)
		}

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", maxAttempts, lastErr)
}
