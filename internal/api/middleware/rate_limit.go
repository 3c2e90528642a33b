package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/dhima/ledger-bus/internal/api/response"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimitHeader carries the configured request budget.
const RateLimitHeader = "X-RateLimit-Limit"

// Allower decides whether a key may make another request.
type Allower interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit rejects clients that exceed limit requests per window with 429.
// Clients are keyed by IP. If the limiter itself fails the request is let
// through so a store outage does not take the API down.
func RateLimit(limiter Allower, limit int, window time.Duration, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}
		c.Header(RateLimitHeader, strconv.Itoa(limit))

		key := "http:" + c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.String("client_ip", c.ClientIP()),
				zap.String("request_id", response.GetRequestID(c)),
				zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			logger.Info("rate limit exceeded",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.FullPath()))
			response.TooManyRequests(c, window)
			return
		}
		c.Next()
	}
}
