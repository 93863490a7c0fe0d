package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Middleware rejects requests over budget with 429. The key is chosen by keyFn;
// limiter errors let the request through.
func Middleware(limiter Limiter, keyFn func(*gin.Context) string, logger *zap.SugaredLogger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		key := keyFn(c)
		decision, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warnw("rate limiter unavailable", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(decision.ResetIn.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"details": "Rate limit exceeded. Please wait a moment and try again.",
			})
			return
		}

		c.Next()
	}
}
