package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(ProvideRedisClient),
	fx.Provide(ProvideLocker),
	fx.Provide(NewKeyedRWMutex),
)

// ProvideRedisClient returns nil when no Redis address is configured; callers fall back to
// process-local primitives.
func ProvideRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideLocker(client *redis.Client, log *zap.Logger) Locker {
	if client == nil {
		log.Named("lock").Info("redis not configured, using in-process locks")
		return NewKeyedMutex()
	}
	return NewRedisLocker(client)
}
