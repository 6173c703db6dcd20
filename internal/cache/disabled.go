package cache

import (
	"context"
	"time"
)

// disabledBackend bypasses caching without code changes at call sites:
// every read misses and every write is accepted and dropped.
type disabledBackend struct{}

func (disabledBackend) Get(context.Context, string) ([]byte, bool)          { return nil, false }
func (disabledBackend) Set(context.Context, string, []byte, time.Duration) bool { return true }
func (disabledBackend) Delete(context.Context, string) bool                 { return false }
func (disabledBackend) Exists(context.Context, string) bool                 { return false }
func (disabledBackend) Clear(context.Context) bool                          { return true }
func (disabledBackend) DeletePattern(context.Context, string) (int, error)  { return 0, nil }
func (disabledBackend) GetTTL(context.Context, string) (time.Duration, TTLState) {
	return 0, TTLMissing
}
func (disabledBackend) Ping(context.Context) error { return nil }
func (disabledBackend) Close() error               { return nil }
