// redis.go provides a Redis-backed rate limiter for multi-replica deployments.
//
// The in-process limiter in ratelimit.go keeps buckets in local memory, so each
// replica enforces its own budget and the effective limit scales with replica
// count. The public verify endpoint is the enumeration target, so when
// security.rate_limiting.redis_addr is configured the router uses this limiter
// there instead: redis_rate implements GCRA over a shared Redis instance, giving
// one budget across all replicas.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/sello-registry/sello/internal/config"
)

// RedisRateLimiter wraps a redis_rate limiter with its connection and limit.
type RedisRateLimiter struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisRateLimiter connects to Redis and builds a shared limiter.
// The caller owns the lifecycle and must call Close on shutdown.
func NewRedisRateLimiter(cfg config.RateLimitingConfig) *RedisRateLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &RedisRateLimiter{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.Burst,
			Period: time.Minute,
		},
	}
}

// Close releases the Redis connection.
func (l *RedisRateLimiter) Close() error {
	return l.client.Close()
}

// Middleware returns a Gin middleware enforcing the shared limit.
// Redis outages fail open: a lookup error logs a warning and admits the
// request rather than taking the public endpoint down with Redis.
func (l *RedisRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		res, err := l.limiter.Allow(c.Request.Context(), key, l.limit)
		if err != nil {
			slog.Warn("redis rate limiter unavailable, admitting request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(l.limit.Rate))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
