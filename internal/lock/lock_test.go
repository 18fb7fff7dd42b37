package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(ctx, "invoice:1", time.Second)
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, m.entries)
}

func TestKeyedMutexTryAcquire(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.TryAcquire(ctx, "a", 0)
	require.NoError(t, err)

	_, err = m.TryAcquire(ctx, "a", 0)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	other, err := m.TryAcquire(ctx, "b", 0)
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := m.TryAcquire(ctx, "a", 0)
	require.NoError(t, err)
	again()
}

func TestKeyedMutexAcquireHonoursContext(t *testing.T) {
	m := NewKeyedMutex()
	release, err := m.Acquire(context.Background(), "a", 0)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "a", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedRWMutexWriterWaitsForReaders(t *testing.T) {
	m := NewKeyedRWMutex()
	r1 := m.RLock("sub_1")
	r2 := m.RLock("sub_1")

	acquired := make(chan struct{})
	go func() {
		w := m.Lock("sub_1")
		close(acquired)
		w()
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while readers held the key")
	case <-time.After(20 * time.Millisecond):
	}

	// a different key is unaffected
	w := m.Lock("sub_2")
	w()

	r1()
	r2()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired")
	}
}

func TestRedisLocker(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, err := locker.TryAcquire(ctx, "issue:sub_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, srv.Exists(keyPrefix+"issue:sub_1"))

	// another replica holding the key
	peer := NewRedisLocker(client)
	_, err = peer.TryAcquire(ctx, "issue:sub_1", time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	release()
	assert.False(t, srv.Exists(keyPrefix+"issue:sub_1"))

	peerRelease, err := peer.Acquire(ctx, "issue:sub_1", time.Minute)
	require.NoError(t, err)
	peerRelease()
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, err := locker.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)

	srv.FastForward(2 * time.Second)
	require.NoError(t, srv.Set(keyPrefix+"k", "someone-else"))

	release()
	got, err := srv.Get(keyPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockerValidatesInput(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client)
	_, err := locker.TryAcquire(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	assert.Nil(t, NewRedisLocker(nil))
}
