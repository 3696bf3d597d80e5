package middleware

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{})
	if limiter != nil {
		t.Fatal("Expected nil limiter for zero rate")
	}
	for i := 0; i < 100; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("Expected nil limiter never to block, got %v", err)
		}
	}
	if !limiter.Allow() {
		t.Error("Expected nil limiter to allow")
	}
}

func TestRateLimiterBurstThenReject(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("Expected burst request %d to be allowed", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("Expected request beyond burst to be rejected")
	}

	m := limiter.Metrics()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.AllowedRequests != 3 || m.RejectedRequests != 1 {
		t.Errorf("Unexpected metrics: allowed=%d rejected=%d", m.AllowedRequests, m.RejectedRequests)
	}
}

func TestRateLimiterWaitPaces(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{Rate: 50, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Expected pacing of ~40ms for 3 calls at 50/s, got %v", elapsed)
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{Rate: 0.1, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_ = limiter.Wait(ctx)
	err := limiter.Wait(ctx)
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("Expected RateLimitError, got %v", err)
	}
}
