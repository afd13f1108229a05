// Package cache is a small key/value façade over redis. When no backend is
// configured every operation is a no-op, so call sites never branch on
// whether caching is available; they only tolerate misses.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache errors are logged, never returned: entries are advisory.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	InvalidatePattern(ctx context.Context, pattern string)
}

// New returns a redis-backed cache, or the no-op variant when rdb is nil.
func New(rdb *redis.Client, log *zap.Logger) Cache {
	if rdb == nil {
		return Noop{}
	}
	return &redisCache{rdb: rdb, log: log}
}

type redisCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.log.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *redisCache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *redisCache) InvalidatePattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.log.Warn("cache pattern scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				c.log.Warn("cache pattern delete failed", zap.String("pattern", pattern), zap.Error(err))
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// Noop is the unconfigured-cache variant: every read misses, every write
// vanishes.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool)         { return "", false }
func (Noop) Set(context.Context, string, string, time.Duration) {}
func (Noop) Delete(context.Context, string)                     {}
func (Noop) InvalidatePattern(context.Context, string)          {}
