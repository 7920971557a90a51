package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/metrics"
)

// RateLimiter implements Redis-backed fixed-window rate limiting keyed by
// user ID when authenticated, client IP otherwise.
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
	metrics     *metrics.Metrics
}

// NewRateLimiter creates a new rate limiter allowing `requests` requests
// per `window`. m may be nil.
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
		metrics:     m,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var identifier string
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		} else {
			identifier = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		allowed, remaining, resetTime, err := rl.check(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open when Redis is unreachable.
			logger.Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))

		if !allowed {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked()
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     rl.requests,
				"remaining": remaining,
				"reset_at":  resetTime,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, int64, error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	pipe := rl.redisClient.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, fmt.Errorf("failed to update rate limit counter: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}

	resetTime := time.Now().Add(ttl.Val()).Unix()
	return count <= rl.requests, remaining, resetTime, nil
}
