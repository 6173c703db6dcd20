package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupLockTest(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestLock_AcquireRelease(t *testing.T) {
	client, _ := setupLockTest(t)
	ctx := context.Background()

	l := New(client, "vehicle:42", time.Minute, testLogger())

	require.NoError(t, l.Acquire(ctx, 0, 0, false))
	assert.True(t, l.Held())

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.Held())
}

func TestLock_MutualExclusion(t *testing.T) {
	client, _ := setupLockTest(t)
	ctx := context.Background()

	const contenders = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []*Lock
	)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(client, "shared", time.Minute, testLogger())
			if err := l.Acquire(ctx, 0, 0, false); err == nil {
				mu.Lock()
				succeeded = append(succeeded, l)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, succeeded, 1, "exactly one contender may hold the lock")

	// After release the lock is free again.
	require.NoError(t, succeeded[0].Release(ctx))

	next := New(client, "shared", time.Minute, testLogger())
	assert.NoError(t, next.Acquire(ctx, 0, 0, false))
}

func TestLock_NonBlockingContention(t *testing.T) {
	client, _ := setupLockTest(t)
	ctx := context.Background()

	first := New(client, "busy", time.Minute, testLogger())
	require.NoError(t, first.Acquire(ctx, 0, 0, false))

	second := New(client, "busy", time.Minute, testLogger())
	err := second.Acquire(ctx, 0, 0, false)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, second.Held())
}

func TestLock_BlockingAcquireWaitsForRelease(t *testing.T) {
	client, _ := setupLockTest(t)
	ctx := context.Background()

	first := New(client, "queue", time.Minute, testLogger())
	require.NoError(t, first.Acquire(ctx, 0, 0, false))

	done := make(chan error, 1)
	go func() {
		second := New(client, "queue", time.Minute, testLogger())
		done <- second.Acquire(ctx, 2*time.Second, 10*time.Millisecond, true)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Release(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking acquire never completed")
	}
}

func TestLock_BlockingAcquireTimesOut(t *testing.T) {
	client, _ := setupLockTest(t)
	ctx := context.Background()

	holder := New(client, "stuck", time.Minute, testLogger())
	require.NoError(t, holder.Acquire(ctx, 0, 0, false))

	waiter := New(client, "stuck", time.Minute, testLogger())
	err := waiter.Acquire(ctx, 50*time.Millisecond, 10*time.Millisecond, true)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLock_BlockingAcquireHonorsContextCancel(t *testing.T) {
	client, _ := setupLockTest(t)

	holder := New(client, "cancelled", time.Minute, testLogger())
	require.NoError(t, holder.Acquire(context.Background(), 0, 0, false))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	waiter := New(client, "cancelled", time.Minute, testLogger())
	err := waiter.Acquire(ctx, time.Minute, 10*time.Millisecond, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLock_ExpiredLockSelfHeals(t *testing.T) {
	client, mr := setupLockTest(t)
	ctx := context.Background()

	crashed := New(client, "crashed", 100*time.Millisecond, testLogger())
	require.NoError(t, crashed.Acquire(ctx, 0, 0, false))

	mr.FastForward(200 * time.Millisecond)

	// A new contender gets the lock without anyone releasing it.
	next := New(client, "crashed", time.Minute, testLogger())
	assert.NoError(t, next.Acquire(ctx, 0, 0, false))
}

func TestLock_ReleaseAfterExpiryAndTakeover(t *testing.T) {
	client, mr := setupLockTest(t)
	ctx := context.Background()

	original := New(client, "handover", 100*time.Millisecond, testLogger())
	require.NoError(t, original.Acquire(ctx, 0, 0, false))

	mr.FastForward(200 * time.Millisecond)

	takeover := New(client, "handover", time.Minute, testLogger())
	require.NoError(t, takeover.Acquire(ctx, 0, 0, false))

	// The original holder's token no longer matches: it must not be able
	// to release the new holder's lock.
	err := original.Release(ctx)
	assert.ErrorIs(t, err, ErrNotHeld)

	assert.NoError(t, takeover.Release(ctx))
}

func TestLock_ExtendWhileHeld(t *testing.T) {
	client, mr := setupLockTest(t)
	ctx := context.Background()

	l := New(client, "extended", 100*time.Millisecond, testLogger())
	require.NoError(t, l.Acquire(ctx, 0, 0, false))

	require.NoError(t, l.Extend(ctx, time.Minute))

	// Past the original TTL the lock is still ours.
	mr.FastForward(200 * time.Millisecond)
	assert.True(t, mr.Exists("lock:extended"))
}

func TestLock_ExtendAfterExpiryFails(t *testing.T) {
	client, mr := setupLockTest(t)
	ctx := context.Background()

	l := New(client, "gone", 100*time.Millisecond, testLogger())
	require.NoError(t, l.Acquire(ctx, 0, 0, false))

	mr.FastForward(200 * time.Millisecond)

	err := l.Extend(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.False(t, l.Held(), "a lost lock is marked as released")
}

func TestLock_ReleaseWithoutAcquire(t *testing.T) {
	client, _ := setupLockTest(t)

	l := New(client, "never", time.Minute, testLogger())
	assert.ErrorIs(t, l.Release(context.Background()), ErrNotHeld)
}

func TestLock_TokensAreUnique(t *testing.T) {
	client, _ := setupLockTest(t)

	a := New(client, "same", time.Minute, testLogger())
	b := New(client, "same", time.Minute, testLogger())
	assert.NotEqual(t, a.Token(), b.Token())
}
