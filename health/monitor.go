package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidesapp/tidelink/adapter/errors"
	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/pool"
	"github.com/tidesapp/tidelink/tidelink"
)

// CheckResult is the outcome of one check against one connection.
type CheckResult struct {
	ConnectionID string        `json:"connection_id"`
	Success      bool          `json:"success"`
	ResponseTime time.Duration `json:"response_time"`
	StatusCode   int           `json:"status_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

type connectionHealth struct {
	endpoint   tidelink.Endpoint
	state      pool.ConnectionState
	failures   int
	lastCheck  time.Time
	lastError  string
	samples    []Sample
	prober     transport.Prober
	proberErr  error
	proberInit bool
}

// Monitor probes registered connections on a timer and keeps their metrics.
type Monitor struct {
	config Config
	doer   transport.Doer
	logger *slog.Logger
	events *emitter

	mu          sync.RWMutex
	connections map[string]*connectionHealth

	checking atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	now func() time.Time
}

// NewMonitor creates a health monitor. doer performs HTTP checks; nil uses
// a default HTTP transport.
func NewMonitor(config Config, doer transport.Doer, logger *slog.Logger) *Monitor {
	config.applyDefaults()
	if doer == nil {
		doer = transport.NewHTTPTransport(transport.HTTPOptions{Timeout: config.Timeout})
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "health")
	return &Monitor{
		config:      config,
		doer:        doer,
		logger:      logger,
		events:      newEmitter(logger),
		connections: make(map[string]*connectionHealth),
		now:         time.Now,
	}
}

// On subscribes handler to event. Handlers run synchronously on the checking goroutine.
func (m *Monitor) On(event EventType, handler Handler) {
	m.events.on(event, handler)
}

// RegisterConnection starts monitoring endpoint. Registering a known id is a no-op.
func (m *Monitor) RegisterConnection(endpoint tidelink.Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[endpoint.ID]; ok {
		return nil
	}
	m.connections[endpoint.ID] = &connectionHealth{
		endpoint: endpoint,
		state:    pool.StateDisconnected,
	}
	m.logger.Debug("monitoring connection", "connection", endpoint.ID)
	return nil
}

// UnregisterConnection stops monitoring id and discards its samples.
func (m *Monitor) UnregisterConnection(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.connections[id]
	if !ok {
		return false
	}
	closeProber(ch.prober)
	delete(m.connections, id)
	return true
}

// UpdateConnection replaces the endpoint configuration of a monitored
// connection and keeps its samples.
func (m *Monitor) UpdateConnection(endpoint tidelink.Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.connections[endpoint.ID]
	if !ok {
		return fmt.Errorf("connection %q is not monitored", endpoint.ID)
	}
	if ch.endpoint.URL != endpoint.URL {
		closeProber(ch.prober)
		ch.prober, ch.proberErr, ch.proberInit = nil, nil, false
	}
	ch.endpoint = endpoint
	return nil
}

// Start runs the check loop after InitialDelay.
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)

	m.logger.Info("health monitor started",
		"interval", m.config.Interval.String(),
		"initial_delay", m.config.InitialDelay.String())
}

// Stop stops the check loop and waits for the current round to finish.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil

	m.mu.Lock()
	for _, ch := range m.connections {
		closeProber(ch.prober)
		ch.prober, ch.proberInit = nil, false
	}
	m.mu.Unlock()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	if m.config.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.config.InitialDelay):
		}
	}
	m.CheckAll(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll checks every enabled connection concurrently. It returns nil
// when a previous round is still running.
func (m *Monitor) CheckAll(ctx context.Context) []CheckResult {
	if !m.checking.CompareAndSwap(false, true) {
		m.logger.Debug("health round already running, skipping")
		return nil
	}
	defer m.checking.Store(false)

	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id, ch := range m.connections {
		if ch.endpoint.Enabled {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(ids)

	results := make([]CheckResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			result, err := m.Check(gctx, id)
			if err == nil {
				results[i] = result
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Check runs one check against id and applies its outcome.
func (m *Monitor) Check(ctx context.Context, id string) (CheckResult, error) {
	m.mu.RLock()
	ch, ok := m.connections[id]
	var endpoint tidelink.Endpoint
	if ok {
		endpoint = ch.endpoint
	}
	m.mu.RUnlock()
	if !ok {
		return CheckResult{}, fmt.Errorf("connection %q is not monitored", id)
	}

	result := m.execute(ctx, id, endpoint)
	m.apply(result)
	return result, nil
}

func (m *Monitor) execute(ctx context.Context, id string, endpoint tidelink.Endpoint) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	result := CheckResult{ConnectionID: id, Timestamp: m.now()}

	if !isHTTP(endpoint.URL) {
		prober, err := m.proberFor(id, endpoint)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		latency, err := prober.Probe(checkCtx)
		result.ResponseTime = latency
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Success = true
		return result
	}

	resp, err := m.doer.Do(checkCtx, &transport.Request{
		Method:  m.config.Method,
		URL:     transport.JoinURL(endpoint.URL, m.config.EndpointSuffix),
		Timeout: m.config.Timeout,
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ResponseTime = resp.Duration
	result.StatusCode = resp.StatusCode

	if !slices.Contains(m.config.ExpectedStatusCodes, resp.StatusCode) {
		result.Error = errors.NewStatusError(resp.StatusCode, string(resp.Body)).Error()
		return result
	}
	if err := m.validate(resp.Body); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func (m *Monitor) proberFor(id string, endpoint tidelink.Endpoint) (transport.Prober, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.connections[id]
	if !ok {
		return nil, fmt.Errorf("connection %q is not monitored", id)
	}
	if !ch.proberInit {
		if endpoint.Timeout <= 0 {
			endpoint.Timeout = m.config.Timeout
		}
		ch.prober, ch.proberErr = transport.NewProber(endpoint, m.doer)
		ch.proberInit = true
	}
	return ch.prober, ch.proberErr
}

func closeProber(p transport.Prober) {
	if c, ok := p.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// validate applies the configured response-shape rules to body.
func (m *Monitor) validate(body []byte) error {
	rules := m.config.Validation
	if !rules.enabled() {
		return nil
	}
	if len(body) < rules.MinResponseSize {
		return errors.NewInvalidResponseError(
			fmt.Sprintf("response size %d below minimum %d", len(body), rules.MinResponseSize), nil)
	}
	if len(rules.RequiredFields) == 0 && len(rules.ExpectedValues) == 0 {
		return nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.NewInvalidResponseError("response is not a JSON object", nil)
	}
	for _, field := range rules.RequiredFields {
		if _, ok := lookup(doc, field); !ok {
			return errors.NewInvalidResponseError(fmt.Sprintf("missing required field %q", field), nil)
		}
	}
	for field, want := range rules.ExpectedValues {
		got, ok := lookup(doc, field)
		if !ok || fmt.Sprint(got) != want {
			return errors.NewInvalidResponseError(
				fmt.Sprintf("field %q is %v, expected %s", field, got, want), nil)
		}
	}
	return nil
}

// lookup resolves a dotted path in a decoded JSON object.
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// apply records a result and moves the connection through its states.
func (m *Monitor) apply(result CheckResult) {
	m.mu.Lock()
	ch, ok := m.connections[result.ConnectionID]
	if !ok {
		m.mu.Unlock()
		return
	}

	ch.samples = append(ch.samples, Sample{
		Timestamp:    result.Timestamp,
		ResponseTime: result.ResponseTime,
		Success:      result.Success,
	})
	ch.samples = pruneSamples(ch.samples, m.now(), m.config.Retention, m.config.MaxSamples)
	ch.lastCheck = result.Timestamp

	previous := ch.state
	if result.Success {
		ch.failures = 0
		ch.lastError = ""
		ch.state = pool.StateConnected
	} else {
		ch.failures++
		ch.lastError = result.Error
		degradeAt := m.config.UnhealthyThreshold / 2
		if degradeAt < 1 {
			degradeAt = 1
		}
		switch {
		case ch.failures >= m.config.UnhealthyThreshold:
			ch.state = pool.StateFailed
		case ch.failures >= degradeAt:
			ch.state = pool.StateDegraded
		}
	}
	current := ch.state
	m.mu.Unlock()

	base := Event{
		ConnectionID: result.ConnectionID,
		Timestamp:    result.Timestamp,
		ResponseTime: result.ResponseTime,
		Error:        result.Error,
		Previous:     previous,
		Current:      current,
	}

	if result.Success {
		m.emit(base, EventCheckPassed)
	} else {
		m.logger.Debug("health check failed", "connection", result.ConnectionID, "error", result.Error)
		m.emit(base, EventCheckFailed)
	}

	if previous == current {
		return
	}
	switch current {
	case pool.StateConnected:
		if previous == pool.StateDegraded || previous == pool.StateFailed {
			m.logger.Info("connection recovered", "connection", result.ConnectionID, "from", string(previous))
			m.emit(base, EventConnectionRecovered)
		}
	case pool.StateDegraded:
		m.logger.Warn("connection degraded", "connection", result.ConnectionID, "error", result.Error)
		m.emit(base, EventConnectionDegraded)
	case pool.StateFailed:
		m.logger.Warn("connection lost", "connection", result.ConnectionID, "error", result.Error)
		m.emit(base, EventConnectionLost)
	}
}

func (m *Monitor) emit(base Event, t EventType) {
	base.Type = t
	m.events.emit(base)
}

// GetMetrics returns metrics for id.
func (m *Monitor) GetMetrics(id string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.connections[id]
	if !ok {
		return Metrics{}, false
	}
	return m.metricsLocked(id, ch), true
}

// GetAllMetrics returns metrics for every monitored connection.
func (m *Monitor) GetAllMetrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Metrics, len(m.connections))
	for id, ch := range m.connections {
		out[id] = m.metricsLocked(id, ch)
	}
	return out
}

func (m *Monitor) metricsLocked(id string, ch *connectionHealth) Metrics {
	now := m.now()
	ch.samples = pruneSamples(ch.samples, now, m.config.Retention, m.config.MaxSamples)

	metrics := computeMetrics(ch.samples, now)
	metrics.ConnectionID = id
	metrics.State = ch.state
	metrics.ConsecutiveFailures = ch.failures
	metrics.LastCheck = ch.lastCheck
	metrics.LastError = ch.lastError
	return metrics
}
