package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/tidelink"
)

// ConnectionState is the health state of a managed connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
	StateFailed       ConnectionState = "failed"
)

// ErrPoolFull is returned by AddEndpoint when MaxConnections endpoints are registered.
var ErrPoolFull = errors.New("connection pool is full")

// ConnectionStatus is the health record of a connection.
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	ErrorCount  int             `json:"error_count"`
	IsHealthy   bool            `json:"is_healthy"`
	Latency     time.Duration   `json:"latency"`
	LastCheck   time.Time       `json:"last_check"`
	LastError   string          `json:"last_error,omitempty"`
	ConnectedAt time.Time       `json:"connected_at"`
}

// ManagedConnection is the runtime wrapper around an endpoint.
type ManagedConnection struct {
	Endpoint       tidelink.Endpoint `json:"endpoint"`
	Status         ConnectionStatus  `json:"status"`
	ActiveRequests int               `json:"active_requests"`
	TotalRequests  int64             `json:"total_requests"`
	FailedRequests int64             `json:"failed_requests"`
	LastUsed       time.Time         `json:"last_used"`
	CreatedAt      time.Time         `json:"created_at"`
}

// StateChangeFunc is called after a connection changes state.
type StateChangeFunc func(endpointID string, from, to ConnectionState)

// Metrics is a point-in-time view of the pool.
type Metrics struct {
	Strategy            Strategy            `json:"strategy"`
	TotalConnections    int                 `json:"total_connections"`
	HealthyConnections  int                 `json:"healthy_connections"`
	DegradedConnections int                 `json:"degraded_connections"`
	FailedConnections   int                 `json:"failed_connections"`
	ActiveRequests      int                 `json:"active_requests"`
	TotalRequests       int64               `json:"total_requests"`
	FailedRequests      int64               `json:"failed_requests"`
	AverageLatency      time.Duration       `json:"average_latency"`
	Evictions           int64               `json:"evictions"`
	Connections         []ManagedConnection `json:"connections"`
}

// Manager owns the configured endpoints and their runtime connections.
//
// Configured endpoints outlive their connections: cleanup evicts only the
// runtime record, and the next health cycle re-creates it as disconnected.
type Manager struct {
	config        Config
	proberFactory transport.ProberFactory
	logger        *slog.Logger

	mu          sync.RWMutex
	endpoints   map[string]tidelink.Endpoint
	order       []string
	connections map[string]*ManagedConnection
	probers     map[string]transport.Prober
	rrIndex     int
	evictions   int64

	listenerMu sync.RWMutex
	listeners  []StateChangeFunc

	healthRunning  atomic.Bool
	cleanupRunning atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	now func() time.Time
}

// New creates a pool manager. proberFactory builds the probe for each endpoint.
func New(config Config, proberFactory transport.ProberFactory, logger *slog.Logger) *Manager {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if proberFactory == nil {
		proberFactory = transport.NewProberFactory(nil)
	}
	return &Manager{
		config:        config,
		proberFactory: proberFactory,
		logger:        logger.With("component", "pool"),
		endpoints:     make(map[string]tidelink.Endpoint),
		connections:   make(map[string]*ManagedConnection),
		probers:       make(map[string]transport.Prober),
		now:           time.Now,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// OnStateChange subscribes fn to connection state transitions.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(id string, from, to ConnectionState) {
	if from == to {
		return
	}
	m.listenerMu.RLock()
	listeners := append([]StateChangeFunc(nil), m.listeners...)
	m.listenerMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("state change listener panicked", "endpoint", id, "panic", r)
				}
			}()
			fn(id, from, to)
		}()
	}
}

// Start launches the health-check and cleanup loops. An initial health
// check runs immediately unless health checks are external.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return // Already started
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	var wg sync.WaitGroup
	if !m.config.ExternalHealthChecks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.healthLoop(loopCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.cleanupLoop(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(m.done)
	}()

	m.logger.Info("connection pool started",
		"strategy", string(m.config.Strategy),
		"endpoints", m.Len())
}

// Stop stops the background loops and closes probers.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil

	m.mu.Lock()
	for id, p := range m.probers {
		closeProber(p)
		delete(m.probers, id)
	}
	m.mu.Unlock()

	m.logger.Info("connection pool stopped")
}

func closeProber(p transport.Prober) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

// AddEndpoint registers an endpoint and creates its connection.
// Re-adding an id replaces its configuration.
func (m *Manager) AddEndpoint(endpoint tidelink.Endpoint) error {
	if err := endpoint.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[endpoint.ID]; !exists {
		if len(m.endpoints) >= m.config.MaxConnections {
			return fmt.Errorf("%w: %d endpoints registered", ErrPoolFull, len(m.endpoints))
		}
		m.order = append(m.order, endpoint.ID)
		m.logger.Info("registered endpoint", "endpoint", endpoint.ID, "url", endpoint.URL, "type", string(endpoint.Type))
	} else {
		if p, ok := m.probers[endpoint.ID]; ok {
			closeProber(p)
			delete(m.probers, endpoint.ID)
		}
		m.logger.Info("re-registered endpoint", "endpoint", endpoint.ID)
	}
	m.endpoints[endpoint.ID] = endpoint

	if conn, ok := m.connections[endpoint.ID]; ok {
		conn.Endpoint = endpoint
	} else {
		m.connections[endpoint.ID] = m.newConnection(endpoint)
	}
	return nil
}

// newConnection starts optimistic so the first request need not wait for a probe.
func (m *Manager) newConnection(endpoint tidelink.Endpoint) *ManagedConnection {
	now := m.now()
	return &ManagedConnection{
		Endpoint: endpoint,
		Status: ConnectionStatus{
			State:     StateDisconnected,
			IsHealthy: true,
		},
		CreatedAt: now,
		LastUsed:  now,
	}
}

// RemoveEndpoint unregisters an endpoint and drops its connection.
func (m *Manager) RemoveEndpoint(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[id]; !exists {
		return false
	}
	delete(m.endpoints, id)
	delete(m.connections, id)
	if p, ok := m.probers[id]; ok {
		closeProber(p)
		delete(m.probers, id)
	}
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.logger.Info("removed endpoint", "endpoint", id)
	return true
}

// Len returns the number of configured endpoints.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.endpoints)
}

// Endpoints returns the configured endpoints in registration order.
func (m *Manager) Endpoints() []tidelink.Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tidelink.Endpoint, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.endpoints[id])
	}
	return out
}

// Connection returns a copy of the connection for id.
func (m *Manager) Connection(id string) (ManagedConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	if !ok {
		return ManagedConnection{}, false
	}
	return *conn, true
}

// GetHealthyConnection selects a connection for a request and marks it active.
// It returns nil when no connection is eligible. Every non-nil result must be
// paired with ReleaseConnection.
func (m *Manager) GetHealthyConnection() *tidelink.Endpoint {
	return m.GetHealthyConnectionExcluding(nil)
}

// GetHealthyConnectionExcluding is GetHealthyConnection skipping the given ids.
func (m *Manager) GetHealthyConnectionExcluding(exclude map[string]bool) *tidelink.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	eligible := make([]*ManagedConnection, 0, len(m.order))
	for _, id := range m.order {
		conn, ok := m.connections[id]
		if !ok || exclude[id] || !eligibleConnection(conn) {
			continue
		}
		eligible = append(eligible, conn)
	}
	if len(eligible) == 0 {
		return nil
	}

	chosen := m.pick(eligible)
	chosen.ActiveRequests++
	chosen.TotalRequests++
	chosen.LastUsed = m.now()

	endpoint := chosen.Endpoint
	return &endpoint
}

func eligibleConnection(conn *ManagedConnection) bool {
	if !conn.Endpoint.Enabled || !conn.Status.IsHealthy || conn.Status.State == StateFailed {
		return false
	}
	limit := conn.Endpoint.MaxConcurrentRequests
	return limit <= 0 || conn.ActiveRequests < limit
}

// ReleaseConnection reports the outcome of a request obtained from GetHealthyConnection.
// A failure counts toward demotion exactly like a failed probe.
func (m *Manager) ReleaseConnection(id string, success bool) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if conn.ActiveRequests > 0 {
		conn.ActiveRequests--
	}
	conn.LastUsed = m.now()

	var from, to ConnectionState
	if success {
		from, to = m.recordSuccessLocked(conn, conn.Status.Latency)
	} else {
		conn.FailedRequests++
		from, to = m.recordFailureLocked(conn, "request failed")
	}
	m.mu.Unlock()

	m.notify(id, from, to)
}

// ReturnConnection gives back a connection obtained from GetHealthyConnection
// without recording an outcome, for requests that never reached the endpoint.
func (m *Manager) ReturnConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[id]; ok && conn.ActiveRequests > 0 {
		conn.ActiveRequests--
	}
}

// UpdateHealth applies an externally observed health result, such as one
// from a separate health monitor. Unknown ids are ignored.
func (m *Manager) UpdateHealth(id string, healthy bool, latency time.Duration, reason string) {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if !ok {
		if endpoint, configured := m.endpoints[id]; configured {
			conn = m.newConnection(endpoint)
			m.connections[id] = conn
			ok = true
		}
	}
	if !ok {
		m.mu.Unlock()
		return
	}

	var from, to ConnectionState
	if healthy {
		from, to = m.recordSuccessLocked(conn, latency)
	} else {
		from, to = m.recordFailureLocked(conn, reason)
	}
	m.mu.Unlock()

	m.notify(id, from, to)
}

func (m *Manager) recordSuccessLocked(conn *ManagedConnection, latency time.Duration) (ConnectionState, ConnectionState) {
	from := conn.Status.State
	now := m.now()

	conn.Status.ErrorCount = 0
	conn.Status.IsHealthy = true
	conn.Status.LastCheck = now
	conn.Status.LastError = ""
	if latency > 0 {
		conn.Status.Latency = latency
	}
	if from != StateConnected {
		conn.Status.State = StateConnected
		conn.Status.ConnectedAt = now
		m.logger.Info("connection recovered", "endpoint", conn.Endpoint.ID, "from", string(from))
	}
	return from, conn.Status.State
}

func (m *Manager) recordFailureLocked(conn *ManagedConnection, reason string) (ConnectionState, ConnectionState) {
	from := conn.Status.State

	conn.Status.ErrorCount++
	conn.Status.LastCheck = m.now()
	conn.Status.LastError = reason

	degradeAt := m.config.UnhealthyThreshold / 2
	if degradeAt < 1 {
		degradeAt = 1
	}

	switch {
	case conn.Status.ErrorCount >= m.config.UnhealthyThreshold:
		conn.Status.State = StateFailed
		conn.Status.IsHealthy = false
	case conn.Status.ErrorCount >= degradeAt:
		conn.Status.State = StateDegraded
	}

	if from != conn.Status.State {
		m.logger.Warn("connection demoted",
			"endpoint", conn.Endpoint.ID,
			"from", string(from),
			"to", string(conn.Status.State),
			"errors", conn.Status.ErrorCount,
			"reason", reason)
	}
	return from, conn.Status.State
}

type probeTarget struct {
	id       string
	endpoint tidelink.Endpoint
	prober   transport.Prober
}

// CheckHealth probes every enabled endpoint once. Configured endpoints
// without a connection are re-created first. Overlapping calls are skipped.
func (m *Manager) CheckHealth(ctx context.Context) int {
	if !m.healthRunning.CompareAndSwap(false, true) {
		m.logger.Debug("health check already running, skipping")
		return 0
	}
	defer m.healthRunning.Store(false)

	targets := m.probeTargets()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			m.probe(gctx, target)
			return nil
		})
	}
	_ = g.Wait()
	return len(targets)
}

func (m *Manager) probeTargets() []probeTarget {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]probeTarget, 0, len(m.order))
	for _, id := range m.order {
		endpoint := m.endpoints[id]
		if !endpoint.Enabled {
			continue
		}
		if _, ok := m.connections[id]; !ok {
			m.connections[id] = m.newConnection(endpoint)
			m.logger.Debug("re-created evicted connection", "endpoint", id)
		}

		prober, ok := m.probers[id]
		if !ok {
			if endpoint.Timeout <= 0 {
				endpoint.Timeout = m.config.HealthCheckTimeout
			}
			p, err := m.proberFactory(endpoint)
			if err != nil {
				m.logger.Warn("no prober for endpoint", "endpoint", id, "error", err)
			} else {
				m.probers[id] = p
				prober = p
			}
		}
		targets = append(targets, probeTarget{id: id, endpoint: endpoint, prober: prober})
	}
	return targets
}

func (m *Manager) probe(ctx context.Context, target probeTarget) {
	if target.prober == nil {
		m.UpdateHealth(target.id, false, 0, "no prober available")
		return
	}

	timeout := target.endpoint.Timeout
	if timeout <= 0 || timeout > m.config.HealthCheckTimeout {
		timeout = m.config.HealthCheckTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	latency, err := target.prober.Probe(probeCtx)
	if err != nil {
		m.logger.Debug("health probe failed", "endpoint", target.id, "error", err)
		m.UpdateHealth(target.id, false, 0, err.Error())
		return
	}
	m.UpdateHealth(target.id, true, latency, "")
}

// Cleanup evicts unhealthy connections older than MaxConnectionAge, then
// idle connections past IdleTimeout while idle connections exceed
// MaxIdleConnections. It returns the number evicted.
func (m *Manager) Cleanup() int {
	if !m.cleanupRunning.CompareAndSwap(false, true) {
		return 0
	}
	defer m.cleanupRunning.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0

	for id, conn := range m.connections {
		if conn.ActiveRequests == 0 && !conn.Status.IsHealthy && now.Sub(conn.CreatedAt) > m.config.MaxConnectionAge {
			delete(m.connections, id)
			evicted++
			m.logger.Info("evicted aged unhealthy connection", "endpoint", id, "age", now.Sub(conn.CreatedAt).String())
		}
	}

	idle := make([]*ManagedConnection, 0)
	for _, conn := range m.connections {
		if conn.ActiveRequests == 0 {
			idle = append(idle, conn)
		}
	}
	if len(idle) > m.config.MaxIdleConnections {
		sort.Slice(idle, func(i, j int) bool { return idle[i].LastUsed.Before(idle[j].LastUsed) })
		excess := len(idle) - m.config.MaxIdleConnections
		for _, conn := range idle {
			if excess == 0 {
				break
			}
			if now.Sub(conn.LastUsed) <= m.config.IdleTimeout {
				continue
			}
			delete(m.connections, conn.Endpoint.ID)
			excess--
			evicted++
			m.logger.Info("evicted idle connection", "endpoint", conn.Endpoint.ID)
		}
	}

	m.evictions += int64(evicted)
	return evicted
}

// GetMetrics returns a snapshot of pool state.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := Metrics{
		Strategy:         m.config.Strategy,
		TotalConnections: len(m.connections),
		Evictions:        m.evictions,
		Connections:      make([]ManagedConnection, 0, len(m.connections)),
	}

	var latencySum time.Duration
	var latencyCount int
	for _, id := range m.order {
		conn, ok := m.connections[id]
		if !ok {
			continue
		}
		switch {
		case conn.Status.State == StateFailed:
			metrics.FailedConnections++
		case conn.Status.State == StateDegraded:
			metrics.DegradedConnections++
		}
		if conn.Status.IsHealthy {
			metrics.HealthyConnections++
		}
		metrics.ActiveRequests += conn.ActiveRequests
		metrics.TotalRequests += conn.TotalRequests
		metrics.FailedRequests += conn.FailedRequests
		if conn.Status.Latency > 0 {
			latencySum += conn.Status.Latency
			latencyCount++
		}
		metrics.Connections = append(metrics.Connections, *conn)
	}
	if latencyCount > 0 {
		metrics.AverageLatency = latencySum / time.Duration(latencyCount)
	}
	return metrics
}

// healthLoop is a background task to periodically probe endpoints.
func (m *Manager) healthLoop(ctx context.Context) {
	m.CheckHealth(ctx)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// cleanupLoop is a background task to periodically evict connections.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.Cleanup(); evicted > 0 {
				m.logger.Info("cleanup evicted connections", "count", evicted)
			}
		}
	}
}
