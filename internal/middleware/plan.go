package middleware

import (
	"context"

	"github.com/aman-churiwal/api-ratelimiter/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Stores the caller's token and plan once its API key is verified. Unknown
// keys, failed lookups and a nil service leave both unset, so the caller is
// limited by IP on the default plan and cannot mint budgets with made-up
// tokens.
func ResolvePlan(planService *service.PlanService, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" || planService == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		apiKey, err := planService.Resolve(ctx, token)
		if err != nil {
			logger.WithError(err).
				WithField("request_id", c.GetString(ContextRequestID)).
				Warn("plan lookup failed, using default plan")
			c.Next()
			return
		}
		if apiKey == nil {
			c.Next()
			return
		}

		c.Set(ContextToken, token)
		c.Set(ContextAPIKey, apiKey)
		c.Set(ContextPlan, apiKey.Plan)

		id := apiKey.ID
		go func() {
			if err := planService.TouchLastUsed(context.WithoutCancel(ctx), id); err != nil {
				logger.WithError(err).WithField("api_key_id", id).Warn("failed to update last used time")
			}
		}()

		c.Next()
	}
}
