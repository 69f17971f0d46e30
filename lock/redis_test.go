package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hostel-billing/lock"
)

func setupLocker(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *lock.RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, lock.NewRedisLocker(client, "test:", ttl)
}

func TestRedisLocker_ExclusivePerKey(t *testing.T) {
	mr, l := setupLocker(t, time.Minute)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:ref-1"))

	// Another key is independent.
	unlockOther, err := l.Lock(ctx, "ref-2")
	require.NoError(t, err)
	unlockOther()

	// The held key times out.
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "ref-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.False(t, mr.Exists("test:ref-1"))

	again, err := l.Lock(ctx, "ref-1")
	require.NoError(t, err)
	again()
}

func TestRedisLocker_UnlockKeepsForeignLease(t *testing.T) {
	// GIVEN: our lease expired and someone else took the key
	mr, l := setupLocker(t, time.Second)
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "ref-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists("test:ref-1"))
	require.NoError(t, mr.Set("test:ref-1", "someone-else"))

	// WHEN: the stale holder unlocks
	unlock()

	// THEN: the new owner's lease survives
	v, err := mr.Get("test:ref-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLocker_SerializesWaiters(t *testing.T) {
	_, l := setupLocker(t, time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "ref-1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestRedisLocker_ServerDown(t *testing.T) {
	mr, l := setupLocker(t, time.Minute)
	mr.Close()

	_, err := l.Lock(context.Background(), "ref-1")
	assert.ErrorContains(t, err, "redis lock ref-1")
}
