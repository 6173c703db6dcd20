package cache

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fleetkeep/fleetkeep/internal/config"
)

// redisEnvelope is the stored wire format. Compression is tagged with an
// explicit flag, never inferred from the payload bytes.
type redisEnvelope struct {
	Compressed bool   `json:"c"`
	Data       []byte `json:"d"`
}

// RedisCacheConfig configures the remote backend.
type RedisCacheConfig struct {
	// KeyPrefix namespaces every stored key.
	KeyPrefix string
	// CompressionThreshold is the serialized size in bytes at which values
	// are gzip-compressed. Zero disables compression.
	CompressionThreshold int
	// CompressionLevel is the gzip level, 1..9.
	CompressionLevel int
}

// RedisCacheMetrics counts backend activity including absorbed errors.
type RedisCacheMetrics struct {
	Hits             int64
	Misses           int64
	Sets             int64
	Errors           int64
	CompressionSaved int64
}

// RedisCache stores entries in Redis. Per-operation transport errors are
// absorbed: they are logged, counted and reported as miss/false, so a Redis
// outage degrades to recomputation instead of failing callers.
type RedisCache struct {
	client  *redis.Client
	config  RedisCacheConfig
	log     *logrus.Logger
	metrics RedisCacheMetrics
}

// NewRedisClient builds a go-redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// NewRedisCache creates a Redis backend over an existing client.
func NewRedisCache(client *redis.Client, cfg RedisCacheConfig, log *logrus.Logger) *RedisCache {
	if cfg.CompressionLevel < gzip.BestSpeed || cfg.CompressionLevel > gzip.BestCompression {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	return &RedisCache{client: client, config: cfg, log: log}
}

// Get returns the value for key. Transport errors count as misses.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	raw, err := c.client.Get(ctx, c.prefixed(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.absorb("get", key, err)
		}
		atomic.AddInt64(&c.metrics.Misses, 1)
		return nil, false
	}

	value, err := c.decode(raw)
	if err != nil {
		c.absorb("decode", key, err)
		atomic.AddInt64(&c.metrics.Misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.metrics.Hits, 1)
	return value, true
}

// Set stores value under key. A ttl <= 0 means no expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	payload, err := c.encode(value)
	if err != nil {
		c.absorb("encode", key, err)
		return false
	}

	if ttl < 0 {
		ttl = 0 // redis treats 0 as no expiry
	}
	if err := c.client.Set(ctx, c.prefixed(key), payload, ttl).Err(); err != nil {
		c.absorb("set", key, err)
		return false
	}
	atomic.AddInt64(&c.metrics.Sets, 1)
	return true
}

// Delete removes key, reporting whether it existed.
func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	n, err := c.client.Del(ctx, c.prefixed(key)).Result()
	if err != nil {
		c.absorb("delete", key, err)
		return false
	}
	return n > 0
}

// Exists reports whether key is present.
func (c *RedisCache) Exists(ctx context.Context, key string) bool {
	n, err := c.client.Exists(ctx, c.prefixed(key)).Result()
	if err != nil {
		c.absorb("exists", key, err)
		return false
	}
	return n > 0
}

// Clear removes every key under this backend's prefix. Other tenants of the
// same database are untouched.
func (c *RedisCache) Clear(ctx context.Context) bool {
	_, err := c.deleteScan(ctx, c.config.KeyPrefix+":*")
	if err != nil {
		c.absorb("clear", "", err)
		return false
	}
	return true
}

// DeletePattern removes all keys matching a glob pattern, returning the
// exact removed count. Enumeration uses SCAN, never a blocking KEYS.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	count, err := c.deleteScan(ctx, c.prefixed(pattern))
	if err != nil {
		atomic.AddInt64(&c.metrics.Errors, 1)
		return count, fmt.Errorf("delete pattern %q: %w", pattern, err)
	}
	return count, nil
}

// GetTTL reports the remaining lifetime of key.
func (c *RedisCache) GetTTL(ctx context.Context, key string) (time.Duration, TTLState) {
	d, err := c.client.TTL(ctx, c.prefixed(key)).Result()
	if err != nil {
		c.absorb("ttl", key, err)
		return 0, TTLMissing
	}
	switch d {
	case -2:
		return 0, TTLMissing
	case -1:
		return 0, TTLNone
	default:
		return d, TTLRemaining
	}
}

// MGet fetches several keys in one round trip. Missing or undecodable
// entries yield nil slots.
func (c *RedisCache) MGet(ctx context.Context, keys ...string) [][]byte {
	results := make([][]byte, len(keys))
	if len(keys) == 0 {
		return results
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.prefixed(k)
	}

	vals, err := c.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		c.absorb("mget", "", err)
		atomic.AddInt64(&c.metrics.Misses, int64(len(keys)))
		return results
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			atomic.AddInt64(&c.metrics.Misses, 1)
			continue
		}
		decoded, err := c.decode([]byte(s))
		if err != nil {
			c.absorb("decode", keys[i], err)
			atomic.AddInt64(&c.metrics.Misses, 1)
			continue
		}
		atomic.AddInt64(&c.metrics.Hits, 1)
		results[i] = decoded
	}
	return results
}

// MSet stores several key/value pairs through one pipeline, all with the
// same ttl. It reports how many writes were accepted.
func (c *RedisCache) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration) int {
	if len(values) == 0 {
		return 0
	}
	if ttl < 0 {
		ttl = 0
	}

	pipe := c.client.Pipeline()
	queued := 0
	for key, value := range values {
		payload, err := c.encode(value)
		if err != nil {
			c.absorb("encode", key, err)
			continue
		}
		pipe.Set(ctx, c.prefixed(key), payload, ttl)
		queued++
	}

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		c.absorb("mset", "", err)
		return 0
	}

	ok := 0
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			ok++
		}
	}
	atomic.AddInt64(&c.metrics.Sets, int64(ok))
	return ok
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Metrics returns a snapshot of the backend counters.
func (c *RedisCache) Metrics() RedisCacheMetrics {
	return RedisCacheMetrics{
		Hits:             atomic.LoadInt64(&c.metrics.Hits),
		Misses:           atomic.LoadInt64(&c.metrics.Misses),
		Sets:             atomic.LoadInt64(&c.metrics.Sets),
		Errors:           atomic.LoadInt64(&c.metrics.Errors),
		CompressionSaved: atomic.LoadInt64(&c.metrics.CompressionSaved),
	}
}

func (c *RedisCache) prefixed(key string) string {
	return c.config.KeyPrefix + ":" + key
}

func (c *RedisCache) encode(value []byte) ([]byte, error) {
	env := redisEnvelope{Data: value}

	if c.config.CompressionThreshold > 0 && len(value) >= c.config.CompressionThreshold {
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, c.config.CompressionLevel)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(value); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		if buf.Len() < len(value) {
			atomic.AddInt64(&c.metrics.CompressionSaved, int64(len(value)-buf.Len()))
			env.Compressed = true
			env.Data = buf.Bytes()
		}
	}

	return json.Marshal(env)
}

func (c *RedisCache) decode(raw []byte) ([]byte, error) {
	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if !env.Compressed {
		return env.Data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(env.Data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()

	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return decompressed, nil
}

// deleteScan walks the keyspace with SCAN and deletes matches in batches.
func (c *RedisCache) deleteScan(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			removed += int(n)
			if err != nil {
				return removed, err
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// absorb logs and counts a backend failure without surfacing it.
func (c *RedisCache) absorb(op, key string, err error) {
	atomic.AddInt64(&c.metrics.Errors, 1)
	if c.log != nil {
		c.log.WithFields(logrus.Fields{
			"op":  op,
			"key": key,
		}).WithError(err).Warn("Redis cache operation failed")
	}
}
