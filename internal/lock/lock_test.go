package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func assertSerialized(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "5511999990000")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	assertSerialized(t, m)
	require.Zero(t, m.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	releaseA, err := m.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	ctxB, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := m.Acquire(ctxB, "b")
	require.NoError(t, err)
	releaseB()
	releaseB()
	require.Equal(t, 1, m.Len())
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, m.Len())
}

func newRedisLocker(t *testing.T, opts ...RedisOption) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, append([]RedisOption{WithPollInterval(2 * time.Millisecond)}, opts...)...), mr
}

func TestRedisLockerSerializesSameKey(t *testing.T) {
	l, _ := newRedisLocker(t)
	assertSerialized(t, l)
}

func TestRedisLockerReleaseDeletesKey(t *testing.T) {
	l, mr := newRedisLocker(t, WithPrefix("test:"))

	release, err := l.Acquire(context.Background(), "contact")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:contact"))
	require.Greater(t, mr.TTL("test:contact"), time.Duration(0))

	release()
	require.False(t, mr.Exists("test:contact"))
}

func TestRedisLockerDoesNotReleaseForeignLock(t *testing.T) {
	l, mr := newRedisLocker(t, WithPrefix("test:"))

	release, err := l.Acquire(context.Background(), "contact")
	require.NoError(t, err)

	// Lock expired and another holder took it over.
	require.NoError(t, mr.Set("test:contact", "someone-else"))
	release()

	got, err := mr.Get("test:contact")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestRedisLockerHonoursContext(t *testing.T) {
	l, _ := newRedisLocker(t)
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "a")
	require.Error(t, err)
}
