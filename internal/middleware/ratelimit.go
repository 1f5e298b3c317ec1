package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/response"
)

// RateLimiter implements a Redis fixed-window rate limit per user, or per
// client IP before authentication.
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
	now         func() time.Time
}

// NewRateLimiter creates a new rate limiter
// requests: maximum number of requests allowed
// window: time window for the rate limit (e.g., 1 minute)
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
		now:         time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := UserID(c); userID != "" {
			identifier = "user:" + userID
		}

		count, resetAt, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			// Fail open while Redis is unavailable.
			logger.Warn("Rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		remaining := max(rl.requests-count, 0)
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > rl.requests {
			response.TooManyRequests(c, "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts one request in the current window and returns the count so far
// and the unix time the window resets.
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, int64, error) {
	windowSecs := int64(rl.window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}
	windowStart := rl.now().Unix() / windowSecs * windowSecs
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart)

	pipe := rl.redisClient.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return int(incr.Val()), windowStart + windowSecs, nil
}
