// Package lock provides a Redis-backed distributed lock for cross-process
// coordination. Every lock carries an expiry so a crashed holder self-heals
// instead of deadlocking, and ownership is re-verified on every mutation so
// an expired holder can never release or extend a lock it lost.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout reports an Acquire that gave up before obtaining the lock.
	ErrTimeout = errors.New("lock: acquire timed out")

	// ErrNotHeld reports a Release or Extend on a lock this instance no
	// longer owns, typically because the lock expired and was taken over.
	ErrNotHeld = errors.New("lock: not held")
)

// Compare-and-delete: the key is only removed when it still stores our
// token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Compare-and-extend: the expiry is only pushed out when the key still
// stores our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a single-owner distributed mutex over one Redis key. A Lock value
// is not safe for concurrent use; each would-be holder creates its own.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	held   bool
	log    *logrus.Logger
}

// New creates a lock on key with the given held-lifetime. The owner token
// is unique per Lock instance.
func New(client *redis.Client, key string, ttl time.Duration, log *logrus.Logger) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{
		client: client,
		key:    "lock:" + key,
		token:  uuid.NewString(),
		ttl:    ttl,
		log:    log,
	}
}

// Acquire attempts to take the lock. Non-blocking mode makes a single
// attempt. Blocking mode retries every retryInterval until success, context
// cancellation, or timeout; contention surfaces as ErrTimeout so the caller
// decides whether to retry or proceed without the lock.
func (l *Lock) Acquire(ctx context.Context, timeout, retryInterval time.Duration, blocking bool) error {
	ok, err := l.tryAcquire(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !blocking {
		return ErrTimeout
	}

	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock %s: %w", l.key, ctx.Err())
		case <-ticker.C:
			if timeout > 0 && time.Now().After(deadline) {
				return fmt.Errorf("lock %s after %s: %w", l.key, timeout, ErrTimeout)
			}
			ok, err := l.tryAcquire(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// Release gives the lock up. Releasing a lock that expired or was taken
// over returns ErrNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return ErrNotHeld
	}
	l.held = false

	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the expiry of a held lock out by extra from now. Extending
// a lock that expired returns ErrNotHeld and marks the lock released.
func (l *Lock) Extend(ctx context.Context, extra time.Duration) error {
	if !l.held {
		return ErrNotHeld
	}
	if extra <= 0 {
		extra = l.ttl
	}

	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, extra.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if res == 0 {
		l.held = false
		return ErrNotHeld
	}
	return nil
}

// Held reports whether this instance believes it owns the lock. The backing
// entry may still have expired; mutations re-verify against Redis.
func (l *Lock) Held() bool { return l.held }

// Token returns the unique owner identity of this instance.
func (l *Lock) Token() string { return l.token }

func (l *Lock) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.held = true
		if l.log != nil {
			l.log.WithFields(logrus.Fields{
				"key": l.key,
				"ttl": l.ttl,
			}).Debug("Lock acquired")
		}
	}
	return ok, nil
}
