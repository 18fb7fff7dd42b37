// Package lock provides the per-key mutual exclusion used around invoice issuance, payment
// reconciliation and scheduler jobs.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrLockNotAcquired = errors.New("lock_not_acquired")
	ErrEmptyKey        = errors.New("lock_key_empty")
	ErrInvalidTTL      = errors.New("lock_ttl_invalid")
)

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

// Locker grants exclusive ownership of a key until Release is called or the ttl elapses.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
	// TryAcquire returns ErrLockNotAcquired instead of waiting.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// KeyedMutex is an in-process Locker. ttl is accepted for interface parity and ignored.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: map[string]*keyedEntry{}}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (Release, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	e := k.ref(key)
	select {
	case e.sem <- struct{}{}:
		return k.releaser(key, e), nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) TryAcquire(_ context.Context, key string, _ time.Duration) (Release, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	e := k.ref(key)
	select {
	case e.sem <- struct{}{}:
		return k.releaser(key, e), nil
	default:
		k.unref(key, e)
		return nil, ErrLockNotAcquired
	}
}

func (k *KeyedMutex) ref(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) unref(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

func (k *KeyedMutex) releaser(key string, e *keyedEntry) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.unref(key, e)
		})
	}
}

// KeyedRWMutex hands out per-key read/write locks. Readers of one key proceed together;
// a writer excludes every reader of that key only.
type KeyedRWMutex struct {
	mu      sync.Mutex
	entries map[string]*rwEntry
}

type rwEntry struct {
	mu   sync.RWMutex
	refs int
}

func NewKeyedRWMutex() *KeyedRWMutex {
	return &KeyedRWMutex{entries: map[string]*rwEntry{}}
}

func (k *KeyedRWMutex) RLock(key string) Release {
	e := k.ref(key)
	e.mu.RLock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.RUnlock()
			k.unref(key, e)
		})
	}
}

func (k *KeyedRWMutex) Lock(key string) Release {
	e := k.ref(key)
	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.unref(key, e)
		})
	}
}

func (k *KeyedRWMutex) ref(key string) *rwEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &rwEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedRWMutex) unref(key string, e *rwEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}
