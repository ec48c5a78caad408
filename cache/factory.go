package cache

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "trackwell:"

// NewWithFallback picks Redis when a reachable client is given and falls back
// to the in-memory cache otherwise.
func NewWithFallback(ctx context.Context, logger slog.Logger, client *redis.Client, clock quartz.Clock) Service {
	if client == nil {
		logger.Info(ctx, "using in-memory cache")
		return NewMemory(clock)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn(ctx, "redis unavailable, falling back to in-memory cache", slog.Error(err))
		return NewMemory(clock)
	}
	logger.Info(ctx, "using redis cache")
	return NewRedis(client, keyPrefix)
}
