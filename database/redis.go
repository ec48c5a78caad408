package database

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/redis/go-redis/v9"

	"trackwell/api/config"
)

// NewRedisClient returns nil (and no error) when Redis is not configured or
// not reachable, so the caller can fall back to the in-memory cache.
func NewRedisClient(ctx context.Context, logger slog.Logger, cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		logger.Info(ctx, "redis address not configured")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn(ctx, "failed to connect to redis", slog.F("addr", cfg.Addr), slog.F("db", cfg.DB), slog.Error(err))
		_ = rdb.Close()
		return nil
	}

	logger.Info(ctx, "connected to redis", slog.F("addr", cfg.Addr), slog.F("db", cfg.DB))
	return rdb
}
