package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const (
	keyPrefix    = "meterbill:lock:"
	pollInterval = 20 * time.Millisecond
)

// RedisLocker is a SET NX PX lock shared by every replica. A local KeyedMutex in front of it
// keeps goroutines of one process from polling Redis against each other.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	local  *KeyedMutex
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		local:  NewKeyedMutex(),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	releaseLocal, err := l.local.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		release, err := l.tryRemote(ctx, key, ttl)
		if err == nil {
			return chain(release, releaseLocal), nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			releaseLocal()
			return nil, err
		}
		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	releaseLocal, err := l.local.TryAcquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	release, err := l.tryRemote(ctx, key, ttl)
	if err != nil {
		releaseLocal()
		return nil, err
	}
	return chain(release, releaseLocal), nil
}

func (l *RedisLocker) tryRemote(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	token := uuid.NewString()
	redisKey := keyPrefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.script.Run(ctx, l.client, []string{redisKey}, token).Err()
	}, nil
}

func chain(releases ...Release) Release {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		for _, r := range releases {
			r()
		}
	}
}
