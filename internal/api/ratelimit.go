package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/store"
)

// RateLimit is a fixed-window counter per client key backed by redis, so
// the limit holds across replicas. Without redis, or when redis is down,
// requests pass: the limiter protects capacity, it is not an auth boundary.
func RateLimit(rdb *redis.Client, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	if rdb == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := fmt.Sprintf("ratelimit:%s:%s:%d",
			clientKey(c), c.FullPath(), time.Now().Unix()/int64(window.Seconds()))

		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			log.Warn("rate limiter unavailable, request admitted", zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(c.Request.Context(), key, window) //nolint:errcheck
		}
		if count > int64(limit) {
			c.Header("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// clientKey prefers the authenticated user so shared NATs do not starve
// each other.
func clientKey(c *gin.Context) string {
	if u, ok := c.Get("user"); ok {
		if user, ok := u.(*store.User); ok {
			return user.ID
		}
	}
	return c.ClientIP()
}
