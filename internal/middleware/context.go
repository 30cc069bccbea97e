package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// gin context keys set by this package
const (
	ContextRequestID = "request_id"
	ContextToken     = "api_token"
	ContextAPIKey    = "api_key"
	ContextPlan      = "plan"
	ContextRateLimit = "rate_limit"
)

// Returns the caller's token from "Authorization: Bearer" or X-API-Key.
func TokenFromRequest(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}

// Counter key for the caller: its verified token, else its IP.
func ConsumptionKey(c *gin.Context) string {
	if token := c.GetString(ContextToken); token != "" {
		return token
	}
	return "ip:" + c.ClientIP()
}
