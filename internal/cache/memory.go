package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// memoryEntry is a single cached value. expiresAt is zero for entries that
// never expire. elem points into the recency list; the list front is the
// most recently used entry.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	elem      *list.Element
}

// MemoryCacheConfig configures the in-process backend.
type MemoryCacheConfig struct {
	// MaxEntries bounds the cache. Admitting a new key at capacity evicts
	// exactly the least recently used entry. Zero means unbounded.
	MaxEntries int
	// CleanupInterval drives the background sweep of expired entries.
	// Expiry is also enforced lazily on access, so correctness never
	// depends on the sweep. Zero disables it.
	CleanupInterval time.Duration
}

// MemoryCacheMetrics counts backend activity. Fields are read atomically.
type MemoryCacheMetrics struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	Expirations int64
}

// MemoryCache is an LRU+TTL cache backed by a map and a recency list,
// giving O(1) amortized get, set and delete.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	order   *list.List
	config  MemoryCacheConfig
	metrics MemoryCacheMetrics

	// now is swapped in tests to simulate time.
	now func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewMemoryCache creates and starts a memory backend.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		config:  config,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.done)
	}
	return c
}

// Get returns the value for key, refreshing its recency. Expired entries
// are removed and reported as misses.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		atomic.AddInt64(&c.metrics.Misses, 1)
		return nil, false
	}
	if c.expired(e) {
		c.removeLocked(e)
		atomic.AddInt64(&c.metrics.Expirations, 1)
		atomic.AddInt64(&c.metrics.Misses, 1)
		return nil, false
	}

	c.order.MoveToFront(e.elem)
	atomic.AddInt64(&c.metrics.Hits, 1)
	return e.value, true
}

// Set stores value under key. A ttl <= 0 means no expiry. Admitting a new
// key at capacity evicts the single least recently used entry first.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) bool {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(e.elem)
		atomic.AddInt64(&c.metrics.Sets, 1)
		return true
	}

	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest.Value.(*memoryEntry))
			atomic.AddInt64(&c.metrics.Evictions, 1)
		}
	}

	e := &memoryEntry{key: key, value: value, expiresAt: expiresAt}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	atomic.AddInt64(&c.metrics.Sets, 1)
	return true
}

// Delete removes key, reporting whether it existed.
func (c *MemoryCache) Delete(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	expired := c.expired(e)
	c.removeLocked(e)
	return !expired
}

// Exists reports whether key holds a live entry.
func (c *MemoryCache) Exists(_ context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.expired(e) {
		c.removeLocked(e)
		atomic.AddInt64(&c.metrics.Expirations, 1)
		return false
	}
	return true
}

// Clear removes every entry.
func (c *MemoryCache) Clear(_ context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*memoryEntry)
	c.order.Init()
	return true
}

// DeletePattern removes all keys matching a glob pattern and returns the
// exact removed count.
func (c *MemoryCache) DeletePattern(_ context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if matchPattern(pattern, key) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed, nil
}

// GetTTL reports the remaining lifetime of key.
func (c *MemoryCache) GetTTL(_ context.Context, key string) (time.Duration, TTLState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, TTLMissing
	}
	if e.expiresAt.IsZero() {
		return 0, TTLNone
	}
	remaining := e.expiresAt.Sub(c.now())
	if remaining <= 0 {
		c.removeLocked(e)
		atomic.AddInt64(&c.metrics.Expirations, 1)
		return 0, TTLMissing
	}
	return remaining, TTLRemaining
}

// Ping always succeeds for the in-process backend.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Close stops the cleanup loop.
func (c *MemoryCache) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	return nil
}

// Len returns the number of stored entries, including not-yet-swept
// expired ones.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Metrics returns a snapshot of the backend counters.
func (c *MemoryCache) Metrics() MemoryCacheMetrics {
	return MemoryCacheMetrics{
		Hits:        atomic.LoadInt64(&c.metrics.Hits),
		Misses:      atomic.LoadInt64(&c.metrics.Misses),
		Sets:        atomic.LoadInt64(&c.metrics.Sets),
		Evictions:   atomic.LoadInt64(&c.metrics.Evictions),
		Expirations: atomic.LoadInt64(&c.metrics.Expirations),
	}
}

func (c *MemoryCache) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

func (c *MemoryCache) removeLocked(e *memoryEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func (c *MemoryCache) cleanupLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if c.expired(e) {
			c.removeLocked(e)
			atomic.AddInt64(&c.metrics.Expirations, 1)
		}
	}
}
