package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tidesapp/tidelink/adapter/errors"
	"github.com/tidesapp/tidelink/adapter/transport"
	"github.com/tidesapp/tidelink/middleware"
	"github.com/tidesapp/tidelink/storage"
)

// StorageKey is the store key holding the queue snapshot.
const StorageKey = "request_queue"

// Metrics is a point-in-time view of the queue.
type Metrics struct {
	TotalItems    int            `json:"total_items"`
	Pending       int            `json:"pending"`
	Processing    int            `json:"processing"`
	Failed        int            `json:"failed"`
	ByPriority    map[string]int `json:"by_priority"`
	OldestItemAge time.Duration  `json:"oldest_item_age"`

	// Cumulative counters since construction.
	TotalEnqueued  int64 `json:"total_enqueued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalExpired   int64 `json:"total_expired"`
	TotalRetried   int64 `json:"total_retried"`
	Rejected       int64 `json:"rejected"`
}

type counters struct {
	enqueued, processed, completed, failed, expired, retried, rejected int64
}

// Manager owns the queue.
type Manager struct {
	config  Config
	doer    transport.Doer
	store   storage.Store
	logger  *slog.Logger
	timeout *middleware.Timeout
	limiter *middleware.RateLimiter

	mu        sync.Mutex
	items     []*Item
	stats     counters
	listeners []Callback

	processing atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	now func() time.Time
}

// New creates a queue manager. doer replays requests; store may be nil when
// persistence is not wanted.
func New(config Config, doer transport.Doer, store storage.Store, logger *slog.Logger) *Manager {
	config.applyDefaults()
	if doer == nil {
		doer = transport.NewHTTPTransport(transport.HTTPOptions{Timeout: config.RequestTimeout})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  config,
		doer:    doer,
		store:   store,
		logger:  logger.With("component", "queue"),
		timeout: middleware.NewTimeout(middleware.TimeoutConfig{Timeout: config.RequestTimeout}),
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.ReplayRate,
			Burst: config.ReplayBurst,
		}),
		now: time.Now,
	}
}

func (m *Manager) persistent() bool {
	return m.config.PersistenceEnabled && m.store != nil
}

// Restore loads the persisted snapshot, replacing the in-memory queue.
// Items left processing by an interrupted run are reset to pending.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if !m.persistent() {
		return 0, nil
	}
	raw, ok, err := m.store.Get(ctx, StorageKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue: %w", err)
	}
	if !ok || raw == "" {
		return 0, nil
	}

	var items []*Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return 0, fmt.Errorf("failed to decode queue snapshot: %w", err)
	}

	reset := 0
	for _, it := range items {
		if it.Status == StatusProcessing {
			it.Status = StatusPending
			reset++
		}
	}

	m.mu.Lock()
	m.items = items
	m.mu.Unlock()

	m.logger.Info("restored queue", "items", len(items), "reset_processing", reset)
	return len(items), nil
}

// persist snapshots the queue. Failures are logged; the in-memory queue stays authoritative.
func (m *Manager) persist(ctx context.Context) {
	if !m.persistent() {
		return
	}
	m.mu.Lock()
	data, err := json.Marshal(m.items)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("failed to encode queue", "error", err)
		return
	}
	if err := m.store.Set(ctx, StorageKey, string(data)); err != nil {
		m.logger.Error("failed to persist queue", "error", err)
	}
}

// Enqueue adds a request and returns its id. When the queue is full, expired
// items are purged first; *QueueFullError is returned if that frees nothing.
func (m *Manager) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.Endpoint == "" {
		return "", fmt.Errorf("queue request endpoint cannot be empty")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", fmt.Errorf("queue request payload must be JSON")
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.config.DefaultMaxRetries
	}

	now := m.now()
	item := &Item{
		ID:         uuid.New().String(),
		Method:     req.Method,
		Endpoint:   req.Endpoint,
		Payload:    json.RawMessage(req.Payload),
		Headers:    req.Headers,
		Priority:   req.Priority,
		MaxRetries: maxRetries,
		QueuedAt:   now,
		NextRetry:  now,
		Status:     StatusPending,
		callback:   req.Callback,
	}

	m.mu.Lock()
	if len(m.items) >= m.config.MaxSize {
		if purged := m.purgeLocked(now); purged > 0 {
			m.logger.Info("purged expired items to make room", "count", purged)
		}
	}
	if len(m.items) >= m.config.MaxSize {
		m.stats.rejected++
		m.mu.Unlock()
		return "", &QueueFullError{MaxSize: m.config.MaxSize}
	}
	m.insertLocked(item)
	m.stats.enqueued++
	size := len(m.items)
	m.mu.Unlock()

	m.logger.Debug("enqueued request",
		"item", item.ID,
		"priority", item.Priority.String(),
		"queue_size", size)
	m.persist(ctx)
	return item.ID, nil
}

// insertLocked places item after every item of equal or higher priority.
func (m *Manager) insertLocked(item *Item) {
	if !m.config.PriorityEnabled {
		m.items = append(m.items, item)
		return
	}
	idx := len(m.items)
	for i, existing := range m.items {
		if existing.Priority < item.Priority {
			idx = i
			break
		}
	}
	m.items = append(m.items, nil)
	copy(m.items[idx+1:], m.items[idx:])
	m.items[idx] = item
}

// purgeLocked drops expired items and any idle item older than MaxAge.
func (m *Manager) purgeLocked(now time.Time) int {
	kept := m.items[:0]
	purged := 0
	for _, it := range m.items {
		aged := now.Sub(it.QueuedAt) > m.config.MaxAge
		if it.Status == StatusExpired || (aged && it.Status != StatusProcessing) {
			purged++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = nil
	}
	m.items = kept
	return purged
}

// Dequeue removes an item. It refuses items that are processing.
func (m *Manager) Dequeue(ctx context.Context, id string) error {
	m.mu.Lock()
	idx := -1
	for i, it := range m.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrItemNotFound
	}
	if m.items[idx].Status == StatusProcessing {
		m.mu.Unlock()
		return ErrItemProcessing
	}
	m.items = append(m.items[:idx], m.items[idx+1:]...)
	m.mu.Unlock()

	m.persist(ctx)
	return nil
}

// Items returns a copy of the queued items in processing order.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		c := *it
		c.callback = nil
		out = append(out, c)
	}
	return out
}

// Len returns the number of queued items.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// ProcessQueue replays every due pending item and returns how many were
// executed. Overlapping runs return 0 immediately.
func (m *Manager) ProcessQueue(ctx context.Context) int {
	if !m.processing.CompareAndSwap(false, true) {
		m.logger.Debug("queue processing already running, skipping")
		return 0
	}
	defer m.processing.Store(false)

	ready, expired := m.selectReady()
	for _, it := range expired {
		m.logger.Warn("queue item expired", "item", it.ID, "attempts", it.Attempts)
		m.deliver(it, Result{ItemID: it.ID, Status: StatusExpired, Attempts: it.Attempts})
	}

	processed := 0
	for start := 0; start < len(ready); start += m.config.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + m.config.BatchSize
		if end > len(ready) {
			end = len(ready)
		}
		batch := ready[start:end]

		m.mu.Lock()
		for _, it := range batch {
			it.Status = StatusProcessing
			it.Attempts++
		}
		m.mu.Unlock()
		m.persist(ctx)

		var done atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.config.MaxConcurrentProcessing)
		for _, it := range batch {
			it := it
			g.Go(func() error {
				if m.processItem(gctx, it) {
					done.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
		processed += int(done.Load())
	}

	m.mu.Lock()
	m.stats.processed += int64(processed)
	kept := m.items[:0]
	for _, it := range m.items {
		if it.Status == StatusCompleted || it.Status == StatusExpired {
			continue
		}
		kept = append(kept, it)
	}
	m.items = kept
	m.mu.Unlock()

	if len(ready) > 0 || len(expired) > 0 {
		m.logger.Info("processed queue", "processed", processed, "expired", len(expired))
		// Items handed back by a cancelled run must still reach the store.
		m.persist(context.WithoutCancel(ctx))
	}
	return processed
}

// selectReady marks aged items expired and exhausted items failed, and
// returns the pending items that are due.
func (m *Manager) selectReady() (ready, expired []*Item) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, it := range m.items {
		if it.Status != StatusPending {
			continue
		}
		if now.Sub(it.QueuedAt) > m.config.MaxAge {
			it.Status = StatusExpired
			m.stats.expired++
			expired = append(expired, it)
			continue
		}
		if it.Attempts >= it.MaxRetries {
			it.Status = StatusFailed
			m.stats.failed++
			continue
		}
		if it.NextRetry.After(now) {
			continue
		}
		ready = append(ready, it)
	}
	return ready, expired
}

// processItem executes an item already marked processing by ProcessQueue.
// It reports false when ctx was cancelled mid-flight; the item is then back
// to pending with the attempt not counted.
func (m *Manager) processItem(ctx context.Context, it *Item) bool {
	m.mu.Lock()
	attempt := it.Attempts
	req := it.request(m.config.RequestTimeout)
	m.mu.Unlock()

	var resp *transport.Response
	err := m.limiter.Wait(ctx)
	if err == nil {
		err = m.timeout.Call(ctx, it.Endpoint, m.config.RequestTimeout, func(callCtx context.Context) error {
			r, err := m.doer.Do(callCtx, req)
			if err != nil {
				return err
			}
			if !r.OK() {
				return errors.NewStatusError(r.StatusCode, string(r.Body))
			}
			resp = r
			return nil
		})
	}

	m.mu.Lock()
	if err == nil {
		it.Status = StatusCompleted
		it.LastError = ""
		m.stats.completed++
		m.mu.Unlock()

		m.logger.Debug("queue item completed", "item", it.ID, "attempts", attempt)
		m.deliver(it, Result{ItemID: it.ID, Status: StatusCompleted, Attempts: attempt, Response: resp})
		return true
	}

	if ctx.Err() != nil {
		it.Status = StatusPending
		it.Attempts--
		m.mu.Unlock()

		m.logger.Debug("queue item interrupted", "item", it.ID, "error", err)
		return false
	}

	it.LastError = err.Error()
	if attempt >= it.MaxRetries || !m.config.Retry.IsRetryable(err) {
		it.Status = StatusFailed
		m.stats.failed++
		m.mu.Unlock()

		m.logger.Warn("queue item failed", "item", it.ID, "attempts", attempt, "error", err)
		m.deliver(it, Result{ItemID: it.ID, Status: StatusFailed, Attempts: attempt, Err: err})
		return true
	}

	delay := m.config.Retry.Delay(attempt)
	it.Status = StatusPending
	it.NextRetry = m.now().Add(delay)
	m.mu.Unlock()

	m.logger.Debug("queue item scheduled for retry",
		"item", it.ID,
		"attempt", attempt,
		"delay", delay.String(),
		"error", err)
	return true
}

// OnResult registers fn to receive every terminal item outcome, in addition
// to the per-item callback.
func (m *Manager) OnResult(fn Callback) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) deliver(it *Item, result Result) {
	m.mu.Lock()
	callbacks := append([]Callback(nil), m.listeners...)
	if it.callback != nil {
		callbacks = append(callbacks, it.callback)
	}
	m.mu.Unlock()
	for _, cb := range callbacks {
		m.invoke(it.ID, cb, result)
	}
}

func (m *Manager) invoke(id string, cb Callback, result Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("queue callback panicked", "item", id, "panic", r)
		}
	}()
	cb(result)
}

// RetryFailed resets failed items to pending with a fresh attempt budget
// and returns how many were reset.
func (m *Manager) RetryFailed(ctx context.Context) int {
	m.mu.Lock()
	now := m.now()
	retried := 0
	for _, it := range m.items {
		if it.Status != StatusFailed {
			continue
		}
		it.Status = StatusPending
		it.Attempts = 0
		it.NextRetry = now
		retried++
	}
	m.stats.retried += int64(retried)
	m.mu.Unlock()

	if retried > 0 {
		m.logger.Info("reset failed queue items", "count", retried)
		m.persist(ctx)
	}
	return retried
}

// Clear removes every item.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()

	if !m.persistent() {
		return nil
	}
	if err := m.store.Remove(ctx, StorageKey); err != nil {
		return fmt.Errorf("failed to clear persisted queue: %w", err)
	}
	return nil
}

// GetMetrics returns a snapshot of queue state.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	metrics := Metrics{
		TotalItems:     len(m.items),
		ByPriority:     make(map[string]int),
		TotalEnqueued:  m.stats.enqueued,
		TotalProcessed: m.stats.processed,
		TotalCompleted: m.stats.completed,
		TotalFailed:    m.stats.failed,
		TotalExpired:   m.stats.expired,
		TotalRetried:   m.stats.retried,
		Rejected:       m.stats.rejected,
	}
	for _, it := range m.items {
		switch it.Status {
		case StatusPending:
			metrics.Pending++
		case StatusProcessing:
			metrics.Processing++
		case StatusFailed:
			metrics.Failed++
		}
		metrics.ByPriority[it.Priority.String()]++
		if age := now.Sub(it.QueuedAt); age > metrics.OldestItemAge {
			metrics.OldestItemAge = age
		}
	}
	return metrics
}

// Start launches the processing loop.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.ProcessingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.ProcessQueue(loopCtx)
			}
		}
	}()

	m.logger.Info("request queue started", "interval", m.config.ProcessingInterval.String())
}

// Stop stops the processing loop and waits for the current run.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.logger.Info("request queue stopped")
}
