package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/grantor/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const memorySweepInterval = time.Minute

func provideStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Store {
	if cfg.Cache.Backend == "redis" && cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		log.Named("cache").Info("using redis cache backend", zap.String("addr", cfg.Cache.RedisAddr))
		return NewRedisStore(client)
	}

	store := NewMemoryStore()
	sweepCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(memorySweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-sweepCtx.Done():
						return
					case now := <-ticker.C:
						store.sweep(now)
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return store
}

var Module = fx.Module("cache",
	fx.Provide(provideStore),
	fx.Provide(NewSubscriptionResolverCache),
)
