package handler

import (
	"net/http"

	"github.com/aman-churiwal/api-ratelimiter/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
)

// Exposes the breaker guarding the counter store.
type SystemHandler struct {
	breaker *circuitbreaker.CircuitBreaker
}

// breaker may be nil, e.g. with the in-memory store.
func NewSystemHandler(breaker *circuitbreaker.CircuitBreaker) *SystemHandler {
	return &SystemHandler{breaker: breaker}
}

func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No circuit breaker configured"})
		return
	}

	metrics := h.breaker.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"state":             metrics.State.String(),
		"failure_count":     metrics.FailureCount,
		"success_count":     metrics.SuccessCount,
		"last_failure_time": metrics.LastFailureTime,
		"last_state_change": metrics.LastStateChange,
	})
}

func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	if h.breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No circuit breaker configured"})
		return
	}

	h.breaker.Reset()
	c.JSON(http.StatusOK, gin.H{"message": "Circuit breaker reset successfully"})
}
