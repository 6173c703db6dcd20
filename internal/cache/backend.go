package cache

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Sentinel errors surfaced to cache callers. Backend I/O failures are never
// among them; those are absorbed at the backend boundary and reported as
// misses.
var (
	// ErrSerialization reports a value that could not be encoded on Set.
	ErrSerialization = errors.New("cache: value not serializable")

	// ErrPartialInvalidation reports a pattern invalidation that removed
	// some but not all matching entries.
	ErrPartialInvalidation = errors.New("cache: partial invalidation")

	// ErrClosed reports use of a manager after Close.
	ErrClosed = errors.New("cache: manager closed")
)

// TTLState classifies the result of a GetTTL call.
type TTLState int

const (
	// TTLRemaining means the key exists and expires after the returned duration.
	TTLRemaining TTLState = iota
	// TTLNone means the key exists and never expires.
	TTLNone
	// TTLMissing means the key does not exist.
	TTLMissing
)

// Backend is the storage contract shared by the memory and Redis caches.
//
// Values cross the boundary as pre-serialized bytes; a stored empty value is
// a legal hit, distinct from not-found. A ttl <= 0 means the entry never
// expires; immediate removal is expressed with Delete. Backends never return
// transport errors from per-entry operations: any such failure is logged,
// counted, and reported as a miss or false.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	Exists(ctx context.Context, key string) bool
	Clear(ctx context.Context) bool

	// DeletePattern removes all keys matching a glob-style pattern and
	// returns the exact removed count. On partial failure it returns the
	// count removed so far together with an error.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// GetTTL reports the remaining lifetime of a key.
	GetTTL(ctx context.Context, key string) (time.Duration, TTLState)

	Ping(ctx context.Context) error
	Close() error
}

// matchPattern performs glob matching where * matches any run of characters.
func matchPattern(pattern, s string) bool {
	regexPattern := "^" + regexp.QuoteMeta(pattern) + "$"
	regexPattern = regexp.MustCompile(`\\\*`).ReplaceAllString(regexPattern, ".*")

	matched, _ := regexp.MatchString(regexPattern, s)
	return matched
}
