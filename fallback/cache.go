package fallback

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/tidesapp/tidelink/storage"
)

// CacheStorageKey is the store key holding the cache snapshot.
const CacheStorageKey = "fallback_cache"

// CachedResponse is a stored answer keyed by its normalized query.
type CachedResponse struct {
	Key       string      `json:"key"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	ExpiresAt time.Time   `json:"expires_at"`
	Hits      int         `json:"hits"`
	Source    string      `json:"source"`
}

// CacheMetrics tracks cache usage.
type CacheMetrics struct {
	Hits       int64 `json:"hits"`
	FuzzyHits  int64 `json:"fuzzy_hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Expired    int64 `json:"expired"`
	CurrentLen int   `json:"current_len"`
}

// HitRate returns exact and fuzzy hits over all lookups.
func (m CacheMetrics) HitRate() float64 {
	total := m.Hits + m.FuzzyHits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits+m.FuzzyHits) / float64(total)
}

// ResponseCache is an LRU cache of responses with exact and fuzzy lookup.
type ResponseCache struct {
	config CacheConfig
	store  storage.Store
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	metrics CacheMetrics

	now func() time.Time
}

// NewResponseCache creates a cache. store is used only when config.Persist is set.
func NewResponseCache(config CacheConfig, store storage.Store, logger *slog.Logger) *ResponseCache {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{
		config:  config,
		store:   store,
		logger:  logger.With("component", "fallback_cache"),
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// NormalizeKey lowercases query, drops punctuation and collapses whitespace.
func NormalizeKey(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func (c *ResponseCache) usableLocked(entry *CachedResponse, now time.Time) bool {
	return now.Before(entry.ExpiresAt) && now.Sub(entry.Timestamp) <= c.config.MaxAge
}

func (c *ResponseCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*CachedResponse)
	c.lru.Remove(elem)
	delete(c.entries, entry.Key)
}

// Get returns the entry stored under the normalized query.
func (c *ResponseCache) Get(query string) (*CachedResponse, bool) {
	key := NormalizeKey(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.metrics.Misses++
		return nil, false
	}
	entry := elem.Value.(*CachedResponse)
	if !c.usableLocked(entry, c.now()) {
		c.removeLocked(elem)
		c.metrics.Expired++
		c.metrics.Misses++
		return nil, false
	}
	c.lru.MoveToFront(elem)
	entry.Hits++
	c.metrics.Hits++
	copied := *entry
	return &copied, true
}

// FindSimilar returns the usable entry with the highest word overlap with
// query, if it reaches the similarity threshold. The score is the fraction
// of the longer token set that the two share.
func (c *ResponseCache) FindSimilar(query string) (*CachedResponse, float64, bool) {
	queryTokens := tokenSet(NormalizeKey(query))
	if len(queryTokens) == 0 {
		return nil, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var best *list.Element
	bestScore := 0.0
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*CachedResponse)
		if !c.usableLocked(entry, now) {
			c.removeLocked(elem)
			c.metrics.Expired++
			elem = next
			continue
		}
		if score := similarity(queryTokens, tokenSet(entry.Key)); score > bestScore {
			best, bestScore = elem, score
		}
		elem = next
	}

	if best == nil || bestScore < c.config.SimilarityThreshold {
		c.metrics.Misses++
		return nil, bestScore, false
	}
	c.lru.MoveToFront(best)
	entry := best.Value.(*CachedResponse)
	entry.Hits++
	c.metrics.FuzzyHits++
	copied := *entry
	return &copied, bestScore, true
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(max(len(a), len(b)))
}

// Put stores a response for query, evicting the least recently used entry when full.
func (c *ResponseCache) Put(ctx context.Context, query, message string, data interface{}, source string) {
	key := NormalizeKey(query)
	if key == "" || message == "" {
		return
	}
	now := c.now()

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	for c.lru.Len() >= c.config.MaxEntries {
		c.removeLocked(c.lru.Back())
		c.metrics.Evictions++
	}
	entry := &CachedResponse{
		Key:       key,
		Message:   message,
		Data:      data,
		Timestamp: now,
		ExpiresAt: now.Add(c.config.TTL),
		Source:    source,
	}
	c.entries[key] = c.lru.PushFront(entry)
	c.mu.Unlock()

	c.persist(ctx)
}

// Clear empties the cache.
func (c *ResponseCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()
	c.persist(ctx)
}

// Len returns the number of entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Metrics returns a snapshot of cache metrics.
func (c *ResponseCache) Metrics() CacheMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.CurrentLen = c.lru.Len()
	return m
}

func (c *ResponseCache) persist(ctx context.Context) {
	if !c.config.Persist || c.store == nil {
		return
	}
	c.mu.Lock()
	entries := make([]*CachedResponse, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*CachedResponse))
	}
	data, err := json.Marshal(entries)
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("failed to encode cache", "error", err)
		return
	}
	if err := c.store.Set(ctx, CacheStorageKey, string(data)); err != nil {
		c.logger.Error("failed to persist cache", "error", err)
	}
}

// Load restores the persisted snapshot, skipping entries that are no longer usable.
func (c *ResponseCache) Load(ctx context.Context) (int, error) {
	if !c.config.Persist || c.store == nil {
		return 0, nil
	}
	raw, ok, err := c.store.Get(ctx, CacheStorageKey)
	if err != nil {
		return 0, fmt.Errorf("failed to load cache: %w", err)
	}
	if !ok || raw == "" {
		return 0, nil
	}
	var entries []*CachedResponse
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return 0, fmt.Errorf("failed to decode cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	loaded := 0
	// Snapshot is most recent first; push to the back to keep that order.
	for _, entry := range entries {
		if entry.Key == "" || !c.usableLocked(entry, now) || c.lru.Len() >= c.config.MaxEntries {
			continue
		}
		if _, dup := c.entries[entry.Key]; dup {
			continue
		}
		c.entries[entry.Key] = c.lru.PushBack(entry)
		loaded++
	}
	c.logger.Debug("restored cache", "entries", loaded)
	return loaded, nil
}
