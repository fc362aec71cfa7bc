package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares seen delivery ids across replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed Checker. Keys are stored as
// "<prefix><key>" and expire after ttl.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "webhook:seen:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// CheckAndMark uses SET NX so exactly one replica claims each key.
func (r *RedisCache) CheckAndMark(ctx context.Context, key string) (bool, error) {
	created, err := r.client.SetNX(ctx, r.prefix+key, time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: redis setnx: %w", err)
	}
	return !created, nil
}

// Fallback tries primary and falls back to secondary when primary errors.
type Fallback struct {
	Primary   Checker
	Secondary Checker
}

// CheckAndMark implements Checker.
func (f Fallback) CheckAndMark(ctx context.Context, key string) (bool, error) {
	seen, err := f.Primary.CheckAndMark(ctx, key)
	if err == nil {
		return seen, nil
	}
	if f.Secondary == nil {
		return false, err
	}
	return f.Secondary.CheckAndMark(ctx, key)
}
