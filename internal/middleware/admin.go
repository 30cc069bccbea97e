package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Requires "Authorization: Bearer <token>" matching the admin token.
func AdminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := TokenFromRequest(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
			})
			return
		}
		c.Next()
	}
}
