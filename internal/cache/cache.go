// Package cache provides the bounded, expiring read-through caches used on the usage hot path.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Loader fetches a value on a cache miss. Returning ok=false caches nothing.
type Loader[V any] func(ctx context.Context) (value V, ok bool, err error)

// Cache is a size-bounded TTL cache that collapses concurrent misses for one key into a
// single load.
type Cache[K comparable, V any] struct {
	lru   *expirable.LRU[K, V]
	group singleflight.Group
}

func New[K comparable, V any](size int, ttl time.Duration) *Cache[K, V] {
	if size <= 0 {
		size = 1024
	}
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *Cache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// GetOrLoad returns the cached value or runs load once for all concurrent callers of key.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load Loader[V]) (V, bool, error) {
	if value, ok := c.lru.Get(key); ok {
		return value, true, nil
	}

	type result struct {
		value V
		ok    bool
	}
	v, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		value, ok, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			c.lru.Add(key, value)
		}
		return result{value: value, ok: ok}, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	r := v.(result)
	return r.value, r.ok, nil
}
