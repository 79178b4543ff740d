package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smallbiznis-rewards/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, 5*time.Second), mr
}

func exclusive(t *testing.T, l Locker) {
	t.Helper()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			unlock, err := l.Acquire(ctx, "user-1")
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
}

func TestLocalLockerExclusive(t *testing.T) {
	exclusive(t, NewLocal())
}

func TestRedisLockerExclusive(t *testing.T) {
	l, _ := newRedisLocker(t)
	exclusive(t, l)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrNotAcquired)

	unlock()
	unlock()

	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()

	require.Empty(t, l.locks)
}

func TestRedisLockerHonoursContext(t *testing.T) {
	l, mr := newRedisLocker(t)

	unlock, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, mr.Exists("k"))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	require.ErrorIs(t, err, ErrNotAcquired)

	unlock()
	require.False(t, mr.Exists("k"))
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	l, mr := newRedisLocker(t)

	unlock, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// simulate expiry and takeover by another holder
	require.NoError(t, mr.Set("k", "someone-else"))
	unlock()

	v, err := mr.Get("k")
	require.NoError(t, err)
	require.Equal(t, "someone-else", v)
}

func TestNew(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rewards.LockBackend = "local"
	l, err := New(Params{Config: cfg})
	require.NoError(t, err)
	require.IsType(t, &LocalLocker{}, l)

	cfg.Rewards.LockBackend = "redis"
	_, err = New(Params{Config: cfg})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err = New(Params{Config: cfg, Redis: rdb})
	require.NoError(t, err)
	require.IsType(t, &RedisLocker{}, l)
}
