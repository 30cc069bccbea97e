package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type RateLimitOptions struct {
	// Points consumed per request. Zero means 1.
	Cost int
	// Let requests through when the counter store is unreachable.
	FailOpen bool
	Logger   *logrus.Logger
}

// Consumes from the limiter selected for mode and the caller's token and
// plan. Requests over budget get a 429 with Retry-After.
func RateLimit(registry *ratelimit.Registry, mode ratelimit.Mode, opts RateLimitOptions) gin.HandlerFunc {
	cost := opts.Cost
	if cost <= 0 {
		cost = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return func(c *gin.Context) {
		limiter := registry.GetRateLimiter(string(mode), c.GetString(ContextToken), c.GetString(ContextPlan))
		key := ConsumptionKey(c)

		res, err := limiter.Consume(c.Request.Context(), key, cost)

		var exceeded *ratelimit.ExceededError
		switch {
		case err == nil:
			setRateLimitHeaders(c, limiter, res)
			c.Set(ContextRateLimit, res)
			c.Next()

		case errors.As(err, &exceeded):
			setRateLimitHeaders(c, limiter, exceeded.Result)
			c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(exceeded.Result), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "Rate limit exceeded",
				"mode":           string(mode),
				"limit":          limiter.Points(),
				"retry_after_ms": exceeded.Result.MsBeforeNext,
			})

		case errors.Is(err, ratelimit.ErrStoreUnavailable):
			entry := logger.WithError(err).WithFields(logrus.Fields{
				"request_id": c.GetString(ContextRequestID),
				"mode":       string(mode),
			})
			if opts.FailOpen {
				entry.Warn("rate limiter unavailable, allowing request")
				c.Next()
				return
			}
			entry.Error("rate limiter unavailable, rejecting request")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Rate limiter unavailable",
			})

		default:
			logger.WithError(err).WithField("request_id", c.GetString(ContextRequestID)).Error("rate limit check failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Rate limit check failed",
			})
		}
	}
}

func setRateLimitHeaders(c *gin.Context, limiter *ratelimit.RateLimiter, res ratelimit.Result) {
	reset := time.Now().Add(res.RetryAfter())
	c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Points()))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.RemainingPoints))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}

// Whole seconds, rounded up, never below 1.
func retryAfterSeconds(res ratelimit.Result) int64 {
	secs := (res.MsBeforeNext + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}
