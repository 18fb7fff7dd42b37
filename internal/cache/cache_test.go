package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrLoadCollapsesConcurrentMisses(t *testing.T) {
	c := New[string, int](16, time.Minute)
	var calls int32
	release := make(chan struct{})

	load := func(context.Context) (int, bool, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, true, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, ok, err := c.GetOrLoad(context.Background(), "cus_1", load)
			require.NoError(t, err)
			require.True(t, ok)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	v, ok := c.Get("cus_1")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestGetOrLoadDoesNotCacheMissesOrErrors(t *testing.T) {
	c := New[string, int](16, time.Minute)

	_, ok, err := c.GetOrLoad(context.Background(), "a", func(context.Context) (int, bool, error) {
		return 0, false, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	boom := errors.New("boom")
	_, _, err = c.GetOrLoad(context.Background(), "a", func(context.Context) (int, bool, error) {
		return 0, false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestEntriesExpire(t *testing.T) {
	c := New[string, int](16, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("b", 2)
	c.Remove("b")
	_, ok = c.Get("b")
	assert.False(t, ok)
}
