package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// unreliableCall simulates an endpoint that fails based on a controllable pattern.
type unreliableCall struct {
	mu             sync.Mutex
	failurePattern []bool // true = fail, false = succeed
	attempts       int
	delay          time.Duration
}

func (u *unreliableCall) call(ctx context.Context) error {
	if u.delay > 0 {
		select {
		case <-time.After(u.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	index := u.attempts % len(u.failurePattern)
	u.attempts++
	if u.failurePattern[index] {
		return errors.New("simulated failure")
	}
	return nil
}

func (u *unreliableCall) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.attempts
}

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		SlidingWindowSize:    10,
		MinimumCalls:         4,
		OpenStateTimeout:     50 * time.Millisecond,
		HalfOpenMaxCalls:     2,
		SlowCallDuration:     time.Second,
	}
}

// TestCircuitBreakerClosed tests normal operation in closed state.
func TestCircuitBreakerClosed(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{false}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())

	for i := 0; i < 5; i++ {
		if err := cb.Execute(ctx, endpoint.call); err != nil {
			t.Fatalf("Attempt %d: Expected success, got error: %v", i+1, err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %s", cb.State())
	}

	metrics := cb.Metrics().Snapshot()
	if metrics.TotalRequests != 5 || metrics.SuccessfulRequests != 5 {
		t.Errorf("Unexpected metrics: %+v", &metrics)
	}
}

// TestCircuitBreakerOpensOnFailureRate tests that consecutive failures open the circuit.
func TestCircuitBreakerOpensOnFailureRate(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{true}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, endpoint.call)
		if cb.State() != StateClosed {
			t.Fatalf("Expected circuit to stay closed below minimum calls, opened after %d", i+1)
		}
	}

	_ = cb.Execute(ctx, endpoint.call)
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen after 4th failure, got %s", cb.State())
	}

	// Calls while open fail fast without invoking the function
	before := endpoint.calls()
	err := cb.Execute(ctx, endpoint.call)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected CircuitOpenError, got %v", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("Expected errors.Is(err, ErrCircuitOpen)")
	}
	if endpoint.calls() != before {
		t.Error("Expected open circuit not to invoke the call")
	}

	metrics := cb.Metrics().Snapshot()
	if metrics.RejectedRequests != 1 {
		t.Errorf("Expected 1 rejected request, got %d", metrics.RejectedRequests)
	}
	if metrics.StateChanges["closed->open"] != 1 {
		t.Errorf("Expected one closed->open transition, got %v", metrics.StateChanges)
	}
}

// TestCircuitBreakerRejectionsNotCounted tests that rejected calls never enter the window.
func TestCircuitBreakerRejectionsNotCounted(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{true}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, endpoint.call)
	}
	rate := cb.FailureRate()
	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, endpoint.call)
	}

	if cb.FailureRate() != rate {
		t.Errorf("Expected failure rate unchanged by rejections, got %.2f -> %.2f", rate, cb.FailureRate())
	}
	if endpoint.calls() != 4 {
		t.Errorf("Expected 4 executed calls, got %d", endpoint.calls())
	}
}

// TestCircuitBreakerMixedBelowThreshold tests that a failure rate under the threshold keeps the circuit closed.
func TestCircuitBreakerMixedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{true, false, false, false}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())

	for i := 0; i < 20; i++ {
		_ = cb.Execute(ctx, endpoint.call)
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed at 25%% failure rate, got %s", cb.State())
	}
}

// TestCircuitBreakerHalfOpenRecovery tests OPEN -> HALF_OPEN -> CLOSED.
func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{true, true, true, true, false}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, endpoint.call)
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected StateOpen, got %s", cb.State())
	}

	time.Sleep(70 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected StateHalfOpen after timeout, got %s", cb.State())
	}

	// Pattern index 4 succeeds, then wraps to failures; force success for both trials
	endpoint.failurePattern = []bool{false}
	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, endpoint.call); err != nil {
			t.Fatalf("Trial %d: expected success, got %v", i+1, err)
		}
	}

	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after successful trials, got %s", cb.State())
	}
	if cb.FailureRate() != 0 {
		t.Errorf("Expected window cleared after closing, got rate %.2f", cb.FailureRate())
	}
}

// TestCircuitBreakerHalfOpenFailure tests HALF_OPEN -> OPEN on a trial failure.
func TestCircuitBreakerHalfOpenFailure(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{true}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, endpoint.call)
	}
	time.Sleep(70 * time.Millisecond)

	err := cb.Execute(ctx, endpoint.call)
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected trial call to run and fail, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after failed trial, got %s", cb.State())
	}
}

// TestCircuitBreakerHalfOpenLimit tests that only HalfOpenMaxCalls trials are admitted.
func TestCircuitBreakerHalfOpenLimit(t *testing.T) {
	ctx := context.Background()
	endpoint := &unreliableCall{failurePattern: []bool{true}}
	cb := NewCircuitBreaker("primary", testBreakerConfig())
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, endpoint.call)
	}
	time.Sleep(70 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := cb.Execute(ctx, endpoint.call)
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) || openErr.State != StateHalfOpen {
		t.Errorf("Expected half-open rejection, got %v", err)
	}

	close(release)
	wg.Wait()
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after trials succeeded, got %s", cb.State())
	}
}

// TestCircuitBreakerSlowCalls tests opening on the slow-call rate.
func TestCircuitBreakerSlowCalls(t *testing.T) {
	ctx := context.Background()
	config := testBreakerConfig()
	config.SlowCallDetection = true
	config.SlowCallDuration = 5 * time.Millisecond
	config.SlowCallRateThreshold = 0.5
	cb := NewCircuitBreaker("primary", config)

	endpoint := &unreliableCall{failurePattern: []bool{false}, delay: 15 * time.Millisecond}
	for i := 0; i < 4; i++ {
		if err := cb.Execute(ctx, endpoint.call); err != nil {
			t.Fatalf("Expected slow call to succeed, got %v", err)
		}
	}

	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen on slow-call rate, got %s", cb.State())
	}
	if cb.Metrics().Snapshot().SlowRequests != 4 {
		t.Errorf("Expected 4 slow requests, got %d", cb.Metrics().Snapshot().SlowRequests)
	}
}

// TestCircuitBreakerIgnoresCancellation tests that caller cancellation is not a failure.
func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("primary", testBreakerConfig())
	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return context.Canceled
		})
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected cancellations to keep circuit closed, got %s", cb.State())
	}
}

// TestCircuitBreakerSmallWindow tests that a window smaller than MinimumCalls still opens
// once the failures in it reach the threshold.
func TestCircuitBreakerSmallWindow(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker("primary", CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		SlidingWindowSize:    4,
		OpenStateTimeout:     time.Minute,
	})
	fail := func(ctx context.Context) error { return errors.New("down") }

	_ = cb.Execute(ctx, fail)
	if cb.State() != StateClosed {
		t.Fatalf("Expected one failure to keep circuit closed, got %s", cb.State())
	}
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("Expected StateOpen after 2 failures in a window of 4, got %s (rate %.2f)", cb.State(), cb.FailureRate())
	}
}

func TestTripCount(t *testing.T) {
	tests := []struct {
		threshold float64
		window    int
		want      int
	}{
		{0.5, 4, 2},
		{0.5, 10, 5},
		{0.3, 10, 3},
		{0.25, 3, 1},
		{1, 6, 6},
	}
	for _, tt := range tests {
		if got := tripCount(tt.threshold, tt.window); got != tt.want {
			t.Errorf("tripCount(%v, %d) = %d, want %d", tt.threshold, tt.window, got, tt.want)
		}
	}
}

// TestCircuitBreakerCancelledTrialKeepsHalfOpen tests that a cancelled trial neither
// closes the circuit nor uses up the half-open slot.
func TestCircuitBreakerCancelledTrialKeepsHalfOpen(t *testing.T) {
	ctx := context.Background()
	config := testBreakerConfig()
	config.HalfOpenMaxCalls = 1
	cb := NewCircuitBreaker("primary", config)

	fail := func(ctx context.Context) error { return errors.New("down") }
	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, fail)
	}
	time.Sleep(70 * time.Millisecond)

	err := cb.Execute(ctx, func(ctx context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected the trial to run and return context.Canceled, got %v", err)
	}
	if cb.State() == StateClosed {
		t.Fatal("Expected a cancelled trial not to close the circuit")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected StateHalfOpen, got %s", cb.State())
	}

	// The slot is free again, so a real trial is admitted and decides the state.
	if err := cb.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected the next trial to be admitted, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed after a successful trial, got %s", cb.State())
	}
}

// TestCircuitBreakerCancellationOutsideWindow tests that cancelled calls do not dilute the failure rate.
func TestCircuitBreakerCancellationOutsideWindow(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker("primary", testBreakerConfig())
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("down") })
		_ = cb.Execute(ctx, func(ctx context.Context) error { return context.Canceled })
	}
	if cb.FailureRate() != 1 {
		t.Errorf("Expected only failures in the window, got rate %.2f", cb.FailureRate())
	}
	metrics := cb.Metrics().Snapshot()
	if metrics.SuccessfulRequests != 0 || metrics.FailedRequests != 3 {
		t.Errorf("Expected cancellations in neither counter, got %+v", &metrics)
	}
}

func TestCircuitBreakerRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewCircuitBreakerRegistry(testBreakerConfig())

	var mu sync.Mutex
	var transitions []string
	registry.OnStateChange(func(name string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	fail := func(ctx context.Context) error { return errors.New("down") }
	for i := 0; i < 4; i++ {
		_ = registry.CallThroughCircuit(ctx, "primary", fail)
	}
	if err := registry.CallThroughCircuit(ctx, "backup", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected backup breaker to be independent, got %v", err)
	}

	if !registry.IsOpen("primary") {
		t.Error("Expected primary to be open")
	}
	if registry.IsOpen("backup") || registry.IsOpen("unknown") {
		t.Error("Expected backup and unknown to be closed")
	}

	states := registry.States()
	if states["primary"] != StateOpen || states["backup"] != StateClosed {
		t.Errorf("Unexpected states: %v", states)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != "primary:closed->open" {
		t.Errorf("Unexpected transitions: %v", transitions)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("primary", testBreakerConfig())
	for i := 0; i < 4; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	}
	cb.Reset()
	if cb.State() != StateClosed || cb.FailureRate() != 0 {
		t.Errorf("Expected reset breaker to be closed and empty, got %s / %.2f", cb.State(), cb.FailureRate())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := map[CircuitState]string{
		StateClosed:      "closed",
		StateOpen:        "open",
		StateHalfOpen:    "half_open",
		CircuitState(99): "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("Expected %q, got %q", want, state.String())
		}
	}
}
