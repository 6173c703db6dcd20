package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCache(t *testing.T, cfg RedisCacheConfig) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "fleetkeep"
	}
	rc := NewRedisCache(client, cfg, log)

	t.Cleanup(func() {
		_ = rc.Close()
		mr.Close()
	})
	return rc, mr
}

func TestRedisCache_SetGet(t *testing.T) {
	rc, _ := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	_, found := rc.Get(ctx, "missing")
	assert.False(t, found)

	require.True(t, rc.Set(ctx, "k", []byte(`{"name":"Ann"}`), 0))

	got, found := rc.Get(ctx, "k")
	require.True(t, found)
	assert.JSONEq(t, `{"name":"Ann"}`, string(got))
}

func TestRedisCache_KeysAreNamespaced(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{KeyPrefix: "fk"})
	ctx := context.Background()

	rc.Set(ctx, "vehicle:1", []byte("v"), 0)

	assert.True(t, mr.Exists("fk:vehicle:1"))
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	rc.Set(ctx, "k", []byte("v"), time.Minute)

	_, found := rc.Get(ctx, "k")
	assert.True(t, found)

	mr.FastForward(2 * time.Minute)

	_, found = rc.Get(ctx, "k")
	assert.False(t, found)
}

func TestRedisCache_ZeroTTLNeverExpires(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	rc.Set(ctx, "k", []byte("v"), 0)
	mr.FastForward(1000 * time.Hour)

	_, found := rc.Get(ctx, "k")
	assert.True(t, found)

	_, state := rc.GetTTL(ctx, "k")
	assert.Equal(t, TTLNone, state)
}

func TestRedisCache_GetTTL(t *testing.T) {
	rc, _ := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	rc.Set(ctx, "ttl", []byte("v"), time.Minute)

	remaining, state := rc.GetTTL(ctx, "ttl")
	assert.Equal(t, TTLRemaining, state)
	assert.Greater(t, remaining, 50*time.Second)

	_, state = rc.GetTTL(ctx, "absent")
	assert.Equal(t, TTLMissing, state)
}

func TestRedisCache_CompressionTaggedExplicitly(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{
		CompressionThreshold: 100,
		CompressionLevel:     6,
	})
	ctx := context.Background()

	large := []byte(strings.Repeat("maintenance record payload ", 50))
	require.True(t, rc.Set(ctx, "large", large, 0))

	raw, err := mr.Get("fleetkeep:large")
	require.NoError(t, err)
	assert.Contains(t, raw, `"c":true`, "compressed values carry an explicit flag")
	assert.Less(t, len(raw), len(large))

	got, found := rc.Get(ctx, "large")
	require.True(t, found)
	assert.Equal(t, large, got)

	assert.Greater(t, rc.Metrics().CompressionSaved, int64(0))
}

func TestRedisCache_SmallValueNotCompressed(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{
		CompressionThreshold: 1024,
	})
	ctx := context.Background()

	small := []byte("tiny")
	require.True(t, rc.Set(ctx, "small", small, 0))

	raw, err := mr.Get("fleetkeep:small")
	require.NoError(t, err)
	assert.Contains(t, raw, `"c":false`)

	got, found := rc.Get(ctx, "small")
	require.True(t, found)
	assert.Equal(t, small, got)
}

func TestRedisCache_DeletePattern(t *testing.T) {
	rc, _ := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rc.Set(ctx, fmt.Sprintf("ns:%d", i), []byte("v"), 0)
	}
	rc.Set(ctx, "other:1", []byte("v"), 0)

	count, err := rc.DeletePattern(ctx, "ns:*")
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	assert.False(t, rc.Exists(ctx, "ns:0"))
	assert.True(t, rc.Exists(ctx, "other:1"))
}

func TestRedisCache_Clear_OnlyOwnPrefix(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{KeyPrefix: "fk"})
	ctx := context.Background()

	rc.Set(ctx, "a", []byte("1"), 0)
	rc.Set(ctx, "b", []byte("2"), 0)
	require.NoError(t, mr.Set("tenant:key", "kept"))

	assert.True(t, rc.Clear(ctx))
	assert.False(t, rc.Exists(ctx, "a"))
	assert.True(t, mr.Exists("tenant:key"))
}

func TestRedisCache_MGetMSet(t *testing.T) {
	rc, _ := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	values := map[string][]byte{
		"m:1": []byte("one"),
		"m:2": []byte("two"),
		"m:3": []byte("three"),
	}
	assert.Equal(t, 3, rc.MSet(ctx, values, time.Minute))

	got := rc.MGet(ctx, "m:1", "m:missing", "m:3")
	require.Len(t, got, 3)
	assert.Equal(t, []byte("one"), got[0])
	assert.Nil(t, got[1])
	assert.Equal(t, []byte("three"), got[2])
}

func TestRedisCache_ErrorsAbsorbedAsMisses(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	rc.Set(ctx, "k", []byte("v"), 0)
	mr.Close()

	// Every operation fails at the transport; callers see misses and
	// false, never errors.
	_, found := rc.Get(ctx, "k")
	assert.False(t, found)
	assert.False(t, rc.Set(ctx, "k2", []byte("v"), 0))
	assert.False(t, rc.Delete(ctx, "k"))
	assert.False(t, rc.Exists(ctx, "k"))

	_, state := rc.GetTTL(ctx, "k")
	assert.Equal(t, TTLMissing, state)

	assert.Greater(t, rc.Metrics().Errors, int64(0))
}

func TestRedisCache_CorruptEntryIsMiss(t *testing.T) {
	rc, mr := setupRedisCache(t, RedisCacheConfig{})
	ctx := context.Background()

	require.NoError(t, mr.Set("fleetkeep:bad", "not an envelope"))

	_, found := rc.Get(ctx, "bad")
	assert.False(t, found)
	assert.Greater(t, rc.Metrics().Errors, int64(0))
}
