// Package middleware provides reusable resilience primitives for calls to remote endpoints.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests pass through normally.
	StateClosed CircuitState = iota
	// StateOpen means the circuit is open and requests fail fast.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureRateThreshold is the fraction of failed calls in the window that opens the circuit.
	// Default: 0.5
	FailureRateThreshold float64 `koanf:"failure_rate_threshold"`

	// SlidingWindowSize is the number of most recent calls considered.
	// Default: 10
	SlidingWindowSize int `koanf:"sliding_window_size"`

	// MinimumCalls is the number of recorded calls required before rates are evaluated.
	// It is capped at SlidingWindowSize and at the number of failing (or slow)
	// calls that crosses a threshold on a full window, so that many consecutive
	// failures always open the circuit.
	// Default: 5
	MinimumCalls int `koanf:"minimum_calls"`

	// OpenStateTimeout is how long the circuit stays open before admitting trial calls.
	// Default: 60s
	OpenStateTimeout time.Duration `koanf:"open_state_timeout"`

	// HalfOpenMaxCalls is the number of trial calls admitted in half-open state.
	// That many successful trials close the circuit.
	// Default: 3
	HalfOpenMaxCalls int `koanf:"half_open_max_calls"`

	// SlowCallDetection enables opening the circuit on the slow-call rate.
	SlowCallDetection bool `koanf:"slow_call_detection"`

	// SlowCallDuration is the duration above which a call counts as slow.
	// Default: 5s
	SlowCallDuration time.Duration `koanf:"slow_call_duration"`

	// SlowCallRateThreshold is the fraction of slow calls in the window that opens the circuit.
	// Default: 0.5
	SlowCallRateThreshold float64 `koanf:"slow_call_rate_threshold"`

	// IsFailure decides whether an error counts against the endpoint.
	// If nil, every error except context.Canceled is a failure.
	// Calls ending in other errors are left out of the window.
	IsFailure func(error) bool `koanf:"-"`
}

// DefaultCircuitBreakerConfig returns a circuit breaker config with sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureRateThreshold:  0.5,
		SlidingWindowSize:     10,
		MinimumCalls:          5,
		OpenStateTimeout:      60 * time.Second,
		HalfOpenMaxCalls:      3,
		SlowCallDetection:     true,
		SlowCallDuration:      5 * time.Second,
		SlowCallRateThreshold: 0.5,
	}
}

// Validate rejects rate thresholds outside (0, 1] and negative sizes.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("failure rate threshold must be between 0 and 1, got %v", c.FailureRateThreshold)
	}
	if c.SlowCallRateThreshold < 0 || c.SlowCallRateThreshold > 1 {
		return fmt.Errorf("slow call rate threshold must be between 0 and 1, got %v", c.SlowCallRateThreshold)
	}
	if c.SlidingWindowSize < 0 || c.MinimumCalls < 0 || c.HalfOpenMaxCalls < 0 {
		return fmt.Errorf("circuit breaker sizes cannot be negative")
	}
	return nil
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = 0.5
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = 10
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 5
	}
	if c.OpenStateTimeout <= 0 {
		c.OpenStateTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = 5 * time.Second
	}
	if c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 1 {
		c.SlowCallRateThreshold = 0.5
	}

	c.MinimumCalls = min(c.MinimumCalls, c.SlidingWindowSize, tripCount(c.FailureRateThreshold, c.SlidingWindowSize))
	if c.SlowCallDetection {
		c.MinimumCalls = min(c.MinimumCalls, tripCount(c.SlowCallRateThreshold, c.SlidingWindowSize))
	}
}

// tripCount is the number of matching outcomes in a full window that reaches threshold.
func tripCount(threshold float64, window int) int {
	// The epsilon keeps 0.3*10 at 3 rather than rounding float noise up to 4.
	n := int(math.Ceil(threshold*float64(window) - 1e-9))
	return max(n, 1)
}

// CircuitBreakerMetrics tracks circuit breaker metrics.
type CircuitBreakerMetrics struct {
	mu                 sync.RWMutex
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	SlowRequests       int64
	RejectedRequests   int64 // Rejected due to open circuit
	StateChanges       map[string]int64
	LastStateChange    *time.Time
	CurrentState       CircuitState
}

// NewCircuitBreakerMetrics creates a new metrics instance.
func NewCircuitBreakerMetrics() *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{
		StateChanges: make(map[string]int64),
		CurrentState: StateClosed,
	}
}

// Snapshot returns a copy of the metrics safe to read without locking.
func (m *CircuitBreakerMetrics) Snapshot() CircuitBreakerMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	changes := make(map[string]int64, len(m.StateChanges))
	for k, v := range m.StateChanges {
		changes[k] = v
	}
	return CircuitBreakerMetrics{
		TotalRequests:      m.TotalRequests,
		SuccessfulRequests: m.SuccessfulRequests,
		FailedRequests:     m.FailedRequests,
		SlowRequests:       m.SlowRequests,
		RejectedRequests:   m.RejectedRequests,
		StateChanges:       changes,
		LastStateChange:    m.LastStateChange,
		CurrentState:       m.CurrentState,
	}
}

// ErrCircuitOpen matches every CircuitOpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without reaching the endpoint.
type CircuitOpenError struct {
	Name       string
	State      CircuitState
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker '%s' is HALF_OPEN (trial calls exhausted)", e.Name)
	}
	return fmt.Sprintf("circuit breaker '%s' is OPEN (retry after %v)", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

type callOutcome struct {
	failed bool
	slow   bool
}

// StateChangeFunc is called after every state transition.
type StateChangeFunc func(name string, from, to CircuitState)

// CircuitBreaker guards calls to a single endpoint using a sliding window of outcomes.
//
// State transitions:
//   - CLOSED -> OPEN: failure rate or slow-call rate over the window crosses its threshold
//   - OPEN -> HALF_OPEN: OpenStateTimeout elapsed (checked on the next call)
//   - HALF_OPEN -> CLOSED: HalfOpenMaxCalls successful trial calls
//   - HALF_OPEN -> OPEN: any trial failure
//
// Calls rejected while open never reach the window.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu                sync.Mutex
	state             CircuitState
	window            []callOutcome
	next              int
	openedAt          time.Time
	halfOpenAdmitted  int
	halfOpenSucceeded int

	metrics       *CircuitBreakerMetrics
	onStateChange StateChangeFunc
	now           func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker for the named endpoint.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	config.applyDefaults()
	return &CircuitBreaker{
		name:    name,
		config:  config,
		state:   StateClosed,
		window:  make([]callOutcome, 0, config.SlidingWindowSize),
		metrics: NewCircuitBreakerMetrics(),
		now:     time.Now,
	}
}

// Name returns the endpoint name this breaker guards.
func (c *CircuitBreaker) Name() string {
	return c.name
}

// OnStateChange registers a callback fired after each transition.
func (c *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// State returns the current state, promoting OPEN to HALF_OPEN once the timeout elapsed.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	state, notify := c.refreshLocked()
	c.mu.Unlock()
	notify()
	return state
}

// Metrics returns the circuit breaker metrics.
func (c *CircuitBreaker) Metrics() *CircuitBreakerMetrics {
	return c.metrics
}

// FailureRate returns the fraction of failed calls currently in the window.
func (c *CircuitBreaker) FailureRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	failure, _ := c.ratesLocked()
	return failure
}

// SlowCallRate returns the fraction of slow calls currently in the window.
func (c *CircuitBreaker) SlowCallRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, slow := c.ratesLocked()
	return slow
}

// Reset forces the breaker closed and clears the window.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	notify := c.changeStateLocked(StateClosed)
	c.clearLocked()
	c.mu.Unlock()
	notify()
}

// Execute runs fn if the circuit admits the call and records its outcome.
// A rejected call returns a *CircuitOpenError and fn is not invoked.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	c.metrics.mu.Lock()
	c.metrics.TotalRequests++
	c.metrics.mu.Unlock()

	if err := c.acquire(); err != nil {
		c.metrics.mu.Lock()
		c.metrics.RejectedRequests++
		c.metrics.mu.Unlock()
		return err
	}

	start := c.now()
	err := fn(ctx)
	c.record(c.now().Sub(start), err)
	return err
}

// acquire admits or rejects a call.
func (c *CircuitBreaker) acquire() error {
	c.mu.Lock()
	state, notify := c.refreshLocked()
	defer notify()
	defer c.mu.Unlock()

	switch state {
	case StateOpen:
		retryAfter := c.config.OpenStateTimeout - c.now().Sub(c.openedAt)
		return &CircuitOpenError{Name: c.name, State: StateOpen, RetryAfter: retryAfter}
	case StateHalfOpen:
		if c.halfOpenAdmitted >= c.config.HalfOpenMaxCalls {
			return &CircuitOpenError{Name: c.name, State: StateHalfOpen}
		}
		c.halfOpenAdmitted++
	}
	return nil
}

// record stores the outcome of an executed call and re-evaluates the state.
// Errors that are not failures, such as caller cancellation, say nothing about
// the endpoint: they stay out of the window and give back the half-open slot.
func (c *CircuitBreaker) record(duration time.Duration, err error) {
	if err != nil && !c.isFailure(err) {
		c.release()
		return
	}
	failed := err != nil
	slow := c.config.SlowCallDetection && duration > c.config.SlowCallDuration

	c.metrics.mu.Lock()
	if failed {
		c.metrics.FailedRequests++
	} else {
		c.metrics.SuccessfulRequests++
	}
	if slow {
		c.metrics.SlowRequests++
	}
	c.metrics.mu.Unlock()

	c.mu.Lock()
	notify := func() {}
	// Outcomes of calls that finish after the circuit opened are dropped.
	switch c.state {
	case StateHalfOpen:
		if failed {
			notify = c.tripLocked()
			break
		}
		c.halfOpenSucceeded++
		if c.halfOpenSucceeded >= c.config.HalfOpenMaxCalls {
			notify = c.changeStateLocked(StateClosed)
			c.clearLocked()
		}
	case StateClosed:
		c.pushLocked(callOutcome{failed: failed, slow: slow})
		if c.shouldTripLocked() {
			notify = c.tripLocked()
		}
	}
	c.mu.Unlock()
	notify()
}

// release returns an admitted half-open slot without counting the trial.
func (c *CircuitBreaker) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHalfOpen && c.halfOpenAdmitted > 0 {
		c.halfOpenAdmitted--
	}
}

func (c *CircuitBreaker) isFailure(err error) bool {
	if c.config.IsFailure != nil {
		return c.config.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

func (c *CircuitBreaker) pushLocked(o callOutcome) {
	if len(c.window) < c.config.SlidingWindowSize {
		c.window = append(c.window, o)
		return
	}
	c.window[c.next] = o
	c.next = (c.next + 1) % c.config.SlidingWindowSize
}

func (c *CircuitBreaker) ratesLocked() (failure, slow float64) {
	if len(c.window) == 0 {
		return 0, 0
	}
	var failures, slows int
	for _, o := range c.window {
		if o.failed {
			failures++
		}
		if o.slow {
			slows++
		}
	}
	n := float64(len(c.window))
	return float64(failures) / n, float64(slows) / n
}

func (c *CircuitBreaker) shouldTripLocked() bool {
	if len(c.window) < c.config.MinimumCalls {
		return false
	}
	failure, slow := c.ratesLocked()
	if failure >= c.config.FailureRateThreshold {
		return true
	}
	return c.config.SlowCallDetection && slow >= c.config.SlowCallRateThreshold
}

func (c *CircuitBreaker) tripLocked() func() {
	c.openedAt = c.now()
	c.halfOpenAdmitted = 0
	c.halfOpenSucceeded = 0
	return c.changeStateLocked(StateOpen)
}

func (c *CircuitBreaker) clearLocked() {
	c.window = c.window[:0]
	c.next = 0
	c.halfOpenAdmitted = 0
	c.halfOpenSucceeded = 0
}

// refreshLocked moves OPEN to HALF_OPEN once the open timeout elapsed.
func (c *CircuitBreaker) refreshLocked() (CircuitState, func()) {
	if c.state == StateOpen && c.now().Sub(c.openedAt) >= c.config.OpenStateTimeout {
		c.halfOpenAdmitted = 0
		c.halfOpenSucceeded = 0
		return StateHalfOpen, c.changeStateLocked(StateHalfOpen)
	}
	return c.state, func() {}
}

// changeStateLocked transitions the breaker and returns the deferred notification.
func (c *CircuitBreaker) changeStateLocked(newState CircuitState) func() {
	if c.state == newState {
		return func() {}
	}
	oldState := c.state
	c.state = newState

	c.metrics.mu.Lock()
	c.metrics.CurrentState = newState
	now := c.now()
	c.metrics.LastStateChange = &now
	c.metrics.StateChanges[fmt.Sprintf("%s->%s", oldState, newState)]++
	c.metrics.mu.Unlock()

	fn := c.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(c.name, oldState, newState) }
}

// CircuitBreakerRegistry keeps one breaker per endpoint.
type CircuitBreakerRegistry struct {
	config        CircuitBreakerConfig
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
	onStateChange StateChangeFunc
}

// NewCircuitBreakerRegistry creates a registry whose breakers share config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	config.applyDefaults()
	return &CircuitBreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange registers a callback for transitions of every breaker in the registry.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
	for _, cb := range r.breakers {
		cb.OnStateChange(fn)
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, r.config)
	if r.onStateChange != nil {
		cb.OnStateChange(r.onStateChange)
	}
	r.breakers[name] = cb
	return cb
}

// CallThroughCircuit runs fn through the breaker guarding name.
func (r *CircuitBreakerRegistry) CallThroughCircuit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// IsOpen reports whether the breaker for name currently rejects calls.
// Unknown names are closed.
func (r *CircuitBreakerRegistry) IsOpen(name string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	return ok && cb.State() == StateOpen
}

// States returns the current state of every known breaker.
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	states := make(map[string]CircuitState, len(breakers))
	for _, cb := range breakers {
		states[cb.Name()] = cb.State()
	}
	return states
}

// Remove forgets the breaker for name.
func (r *CircuitBreakerRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}
