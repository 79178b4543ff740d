package redis

import (
	"context"
	"time"

	"smallbiznis-rewards/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

func New(lc fx.Lifecycle, c *config.Config) *redis.Client {
	zapLog := zap.L().With(
		zap.String("addr", c.Redis.Addr),
		zap.Int("db", c.Redis.DB),
		zap.Int("pool_size", c.Redis.PoolSize),
		zap.Duration("pool_timeout", c.Redis.PoolTimeout),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		PoolSize:    c.Redis.PoolSize,
		PoolTimeout: c.Redis.PoolTimeout,
	})

	if err := ping(rdb, 5, 3*time.Second); err != nil {
		zapLog.Warn("[Redis] Redis still not reachable, continuing", zap.Error(err))
	} else {
		zapLog.Info("[Redis] Connected to Redis")
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return rdb.Close()
		},
	})

	return rdb
}

func ping(rdb *redis.Client, attempts int, wait time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rdb.Ping(context.Background()).Err(); err == nil {
			return nil
		}

		zap.L().Warn("[Redis] Redis not ready, retrying...", zap.Int("retry", i+1), zap.Duration("wait", wait), zap.Error(err))
		time.Sleep(wait)
	}
	return err
}
