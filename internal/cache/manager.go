package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetkeep/fleetkeep/internal/config"
)

// Level is the cache granularity advised for a key: how many request
// dimensions should be folded into it.
type Level int

const (
	// LevelCoarse folds few dimensions into a key, caching broad results.
	LevelCoarse Level = iota
	// LevelNormal is the default granularity.
	LevelNormal
	// LevelFine folds many dimensions into a key, caching narrow results.
	LevelFine
)

func (l Level) String() string {
	switch l {
	case LevelCoarse:
		return "coarse"
	case LevelFine:
		return "fine"
	default:
		return "normal"
	}
}

// Observer receives every access outcome and answers policy queries. The
// optimizer implements it; the manager consults it but does not own it.
type Observer interface {
	RecordAccess(key string, hit bool, latency time.Duration, valueSize int)
	OptimalTTL(key string) (time.Duration, bool)
	OptimalLevel(key string) (Level, bool)
}

// ManagerStats is a point-in-time view of the facade and its backend.
type ManagerStats struct {
	Mode     string             `json:"mode"`
	Healthy  bool               `json:"healthy"`
	Memory   MemoryCacheMetrics `json:"memory,omitempty"`
	Redis    RedisCacheMetrics  `json:"redis,omitempty"`
	Entries  int                `json:"entries,omitempty"`
	Capacity int                `json:"capacity,omitempty"`
}

// Manager is the cache facade. It owns exactly one backend instance,
// chosen once at construction from configuration, and serializes values to
// JSON at this boundary. A Redis backend that is unreachable at startup is
// replaced by the memory backend, once, with a logged warning; the decision
// is final for the life of the manager.
type Manager struct {
	backend  Backend
	mode     string
	keys     *KeyBuilder
	cfg      config.CacheConfig
	log      *logrus.Logger
	observer Observer

	memory *MemoryCache // non-nil when the live backend is the memory cache
	redis  *RedisCache  // non-nil when the live backend is Redis

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New constructs a manager from configuration. Backend selection errors
// other than Redis unreachability are fatal.
func New(cfg *config.Config, log *logrus.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cache config: %w", err)
	}

	m := &Manager{
		mode: cfg.Cache.Backend,
		keys: NewKeyBuilder(cfg.Cache.KeyPrefix),
		cfg:  cfg.Cache,
		log:  log,
	}

	switch cfg.Cache.Backend {
	case config.BackendDisabled:
		m.backend = disabledBackend{}

	case config.BackendMemory:
		m.memory = newLocalCache(cfg.Cache)
		m.backend = m.memory

	case config.BackendRedis:
		client := NewRedisClient(cfg.Redis)
		rc := NewRedisCache(client, RedisCacheConfig{
			KeyPrefix:            cfg.Cache.KeyPrefix,
			CompressionThreshold: cfg.Cache.CompressionThreshold,
			CompressionLevel:     cfg.Cache.CompressionLevel,
		}, log)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rc.Ping(ctx)
		cancel()
		if err != nil {
			// One-time startup decision, not a live flip: the manager runs
			// on the memory backend for its whole lifetime.
			_ = rc.Close()
			log.WithError(err).Warn("Redis unreachable at startup, falling back to memory backend")
			m.mode = config.BackendMemory
			m.memory = newLocalCache(cfg.Cache)
			m.backend = m.memory
		} else {
			m.redis = rc
			m.backend = rc
		}
	}

	log.WithField("backend", m.mode).Info("Cache manager initialized")
	return m, nil
}

func newLocalCache(cfg config.CacheConfig) *MemoryCache {
	return NewMemoryCache(MemoryCacheConfig{
		MaxEntries:      cfg.MaxLocalEntries,
		CleanupInterval: cfg.CleanupInterval,
	})
}

// AttachObserver wires the policy optimizer into the access path.
func (m *Manager) AttachObserver(obs Observer) { m.observer = obs }

// Keys returns the manager's key builder.
func (m *Manager) Keys() *KeyBuilder { return m.keys }

// Mode returns the backend the manager settled on at construction.
func (m *Manager) Mode() string { return m.mode }

// DefaultTTL returns the configured default entry lifetime.
func (m *Manager) DefaultTTL() time.Duration { return m.cfg.DefaultTTL }

// Get fetches key and decodes it into dest. A decode failure is treated as
// a miss and the corrupt entry is dropped.
func (m *Manager) Get(ctx context.Context, key string, dest any) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}

	start := time.Now()
	raw, found := m.backend.Get(ctx, key)
	m.record(key, found, time.Since(start), len(raw))

	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		m.log.WithField("key", key).WithError(err).Warn("Dropping undecodable cache entry")
		m.backend.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// Set encodes value as JSON and stores it. A ttl <= 0 stores the entry
// without expiry. Unencodable values fail loudly with ErrSerialization.
func (m *Manager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrSerialization, key, err)
	}
	m.backend.Set(ctx, key, raw, ttl)
	return nil
}

// Delete removes key, reporting whether it existed.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	if m.closed.Load() {
		return false
	}
	return m.backend.Delete(ctx, key)
}

// Exists reports whether key holds a live entry.
func (m *Manager) Exists(ctx context.Context, key string) bool {
	if m.closed.Load() {
		return false
	}
	return m.backend.Exists(ctx, key)
}

// GetTTL reports the remaining lifetime of key.
func (m *Manager) GetTTL(ctx context.Context, key string) (time.Duration, TTLState) {
	if m.closed.Load() {
		return 0, TTLMissing
	}
	return m.backend.GetTTL(ctx, key)
}

// InvalidateByPattern removes every key matching a glob pattern and returns
// the exact removed count. A partial failure surfaces as
// ErrPartialInvalidation with the partial count, never silently.
func (m *Manager) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	count, err := m.backend.DeletePattern(ctx, pattern)
	if err != nil {
		return count, fmt.Errorf("%w: pattern %q removed %d: %v",
			ErrPartialInvalidation, pattern, count, err)
	}
	return count, nil
}

// Clear drops every entry owned by this manager.
func (m *Manager) Clear(ctx context.Context) bool {
	if m.closed.Load() {
		return false
	}
	return m.backend.Clear(ctx)
}

// SetAsync is Set without blocking the caller; failures are logged.
func (m *Manager) SetAsync(key string, value any, ttl time.Duration) {
	m.async(func(ctx context.Context) {
		if err := m.Set(ctx, key, value, ttl); err != nil {
			m.log.WithField("key", key).WithError(err).Warn("Async cache set failed")
		}
	})
}

// DeleteAsync is Delete without blocking the caller.
func (m *Manager) DeleteAsync(key string) {
	m.async(func(ctx context.Context) {
		m.Delete(ctx, key)
	})
}

// InvalidateByPatternAsync is InvalidateByPattern without blocking the
// caller; partial failures are logged.
func (m *Manager) InvalidateByPatternAsync(pattern string) {
	m.async(func(ctx context.Context) {
		if _, err := m.InvalidateByPattern(ctx, pattern); err != nil {
			m.log.WithField("pattern", pattern).WithError(err).Warn("Async invalidation incomplete")
		}
	})
}

// OptimalTTL returns the advised TTL for key, falling back to the default
// when no optimizer is attached or no policy has formed.
func (m *Manager) OptimalTTL(key string) time.Duration {
	if m.observer != nil {
		if ttl, ok := m.observer.OptimalTTL(key); ok {
			return ttl
		}
	}
	return m.cfg.DefaultTTL
}

// OptimalLevel returns the advised cache granularity for key.
func (m *Manager) OptimalLevel(key string) Level {
	if m.observer != nil {
		if level, ok := m.observer.OptimalLevel(key); ok {
			return level
		}
	}
	return LevelNormal
}

// HealthCheck pings the live backend and logs memory-pressure warnings for
// the local cache.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if m.memory != nil && m.cfg.MaxLocalEntries > 0 {
		usage := float64(m.memory.Len()) / float64(m.cfg.MaxLocalEntries) * 100
		switch {
		case usage >= m.cfg.MemoryCriticalPercent:
			m.log.WithField("usage_percent", usage).Error("Local cache critically full")
		case usage >= m.cfg.MemoryWarnPercent:
			m.log.WithField("usage_percent", usage).Warn("Local cache nearly full")
		}
	}

	return m.backend.Ping(ctx)
}

// Stats returns a snapshot of the facade and backend counters.
func (m *Manager) Stats(ctx context.Context) ManagerStats {
	stats := ManagerStats{
		Mode:    m.mode,
		Healthy: m.backend.Ping(ctx) == nil,
	}
	if m.memory != nil {
		stats.Memory = m.memory.Metrics()
		stats.Entries = m.memory.Len()
		stats.Capacity = m.cfg.MaxLocalEntries
	}
	if m.redis != nil {
		stats.Redis = m.redis.Metrics()
	}
	return stats
}

// Close waits for in-flight async operations and releases the backend.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.wg.Wait()
	return m.backend.Close()
}

func (m *Manager) record(key string, hit bool, latency time.Duration, size int) {
	if m.observer != nil {
		m.observer.RecordAccess(key, hit, latency, size)
	}
}

func (m *Manager) async(fn func(ctx context.Context)) {
	if m.closed.Load() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}
