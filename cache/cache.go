// Package cache is the TTL cache behind the persistence gateway's read-through
// queries. Redis is used when configured; otherwise an in-process map.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Service is a string key/value cache with per-key expiry.
type Service interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type redisService struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are namespaced with prefix.
func NewRedis(client *redis.Client, prefix string) Service {
	return &redisService{client: client, prefix: prefix}
}

func (s *redisService) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *redisService) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *redisService) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	return s.client.Del(ctx, full...).Err()
}
