package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selects which cache backend the manager uses. The choice is made
// once at startup and never changes at runtime.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDisabled = "disabled"
)

// Config is the top-level configuration for the cache subsystem.
type Config struct {
	LogLevel  string
	Cache     CacheConfig
	Redis     RedisConfig
	Optimizer OptimizerConfig
}

// CacheConfig configures the cache facade and the local backend.
type CacheConfig struct {
	Backend    string
	KeyPrefix  string
	DefaultTTL time.Duration

	// Local (memory) backend limits.
	MaxLocalEntries int
	CleanupInterval time.Duration

	// Memory pressure thresholds, percent of MaxLocalEntries.
	MemoryWarnPercent     float64
	MemoryCriticalPercent float64

	// Redis value compression.
	CompressionThreshold int
	CompressionLevel     int
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          bool
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// OptimizerConfig configures the background policy optimizer.
type OptimizerConfig struct {
	Enabled           bool
	Tick              time.Duration
	PersistInterval   time.Duration
	RecomputeInterval time.Duration
	CleanupInterval   time.Duration
	MinDataPoints     int
	MaxTrackedKeys    int
	TopKeyCount       int
	SnapshotPath      string
}

// Load reads configuration from the environment. A .env file is applied
// first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Cache: CacheConfig{
			Backend:               getEnv("CACHE_BACKEND", BackendMemory),
			KeyPrefix:             getEnv("CACHE_KEY_PREFIX", "fleetkeep"),
			DefaultTTL:            getDurationEnv("CACHE_DEFAULT_TTL", 30*time.Minute),
			MaxLocalEntries:       getIntEnv("CACHE_MAX_LOCAL_ENTRIES", 10000),
			CleanupInterval:       getDurationEnv("CACHE_CLEANUP_INTERVAL", time.Minute),
			MemoryWarnPercent:     getFloatEnv("CACHE_MEMORY_WARN_PERCENT", 80),
			MemoryCriticalPercent: getFloatEnv("CACHE_MEMORY_CRITICAL_PERCENT", 95),
			CompressionThreshold:  getIntEnv("CACHE_COMPRESSION_THRESHOLD", 1024),
			CompressionLevel:      getIntEnv("CACHE_COMPRESSION_LEVEL", 6),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			TLS:          getBoolEnv("REDIS_TLS", false),
		},
		Optimizer: OptimizerConfig{
			Enabled:           getBoolEnv("OPTIMIZER_ENABLED", true),
			Tick:              getDurationEnv("OPTIMIZER_TICK", 10*time.Second),
			PersistInterval:   getDurationEnv("OPTIMIZER_PERSIST_INTERVAL", 5*time.Minute),
			RecomputeInterval: getDurationEnv("OPTIMIZER_RECOMPUTE_INTERVAL", 30*time.Minute),
			CleanupInterval:   getDurationEnv("OPTIMIZER_CLEANUP_INTERVAL", time.Hour),
			MinDataPoints:     getIntEnv("OPTIMIZER_MIN_DATA_POINTS", 100),
			MaxTrackedKeys:    getIntEnv("OPTIMIZER_MAX_TRACKED_KEYS", 5000),
			TopKeyCount:       getIntEnv("OPTIMIZER_TOP_KEY_COUNT", 20),
			SnapshotPath:      getEnv("OPTIMIZER_SNAPSHOT_PATH", "data/cache_stats.json"),
		},
	}
}

// Validate checks the configuration for fatal misconfiguration. Errors here
// abort startup.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory, BackendRedis, BackendDisabled:
	default:
		return fmt.Errorf("invalid cache backend %q: must be one of %s, %s, %s",
			c.Cache.Backend, BackendMemory, BackendRedis, BackendDisabled)
	}

	if c.Cache.Backend == BackendRedis && strings.TrimSpace(c.Redis.Host) == "" {
		return fmt.Errorf("cache backend is %q but REDIS_HOST is empty", BackendRedis)
	}
	if c.Cache.MaxLocalEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_LOCAL_ENTRIES must be positive, got %d", c.Cache.MaxLocalEntries)
	}
	if c.Optimizer.MinDataPoints <= 0 {
		return fmt.Errorf("OPTIMIZER_MIN_DATA_POINTS must be positive, got %d", c.Optimizer.MinDataPoints)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
