package handler

import (
	"net/http"

	"github.com/aman-churiwal/api-ratelimiter/internal/middleware"
	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
	"github.com/gin-gonic/gin"
)

type RateLimitHandler struct {
	registry *ratelimit.Registry
}

func NewRateLimitHandler(registry *ratelimit.Registry) *RateLimitHandler {
	return &RateLimitHandler{registry: registry}
}

type statusResponse struct {
	Mode            string `json:"mode"`
	Plan            string `json:"plan"`
	Limit           int    `json:"limit"`
	DurationSeconds int64  `json:"duration_seconds"`
	ConsumedPoints  int    `json:"consumed_points"`
	RemainingPoints int    `json:"remaining_points"`
	MsBeforeNext    int64  `json:"ms_before_next"`
}

// Returns the caller's current window for a mode without consuming from it.
func (h *RateLimitHandler) Status(c *gin.Context) {
	mode := ratelimit.Mode(c.Param("mode"))
	if !mode.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown mode"})
		return
	}

	plan := c.GetString(middleware.ContextPlan)
	limiter := h.registry.GetRateLimiter(string(mode), c.GetString(middleware.ContextToken), plan)

	res, err := limiter.Get(c.Request.Context(), middleware.ConsumptionKey(c))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Rate limiter unavailable"})
		return
	}

	status := statusResponse{
		Mode:            string(mode),
		Plan:            ratelimit.ParsePlan(plan).String(),
		Limit:           limiter.Points(),
		DurationSeconds: int64(limiter.Duration().Seconds()),
		RemainingPoints: limiter.Points(),
	}
	if res != nil {
		status.ConsumedPoints = res.ConsumedPoints
		status.RemainingPoints = res.RemainingPoints
		status.MsBeforeNext = res.MsBeforeNext
	}

	c.JSON(http.StatusOK, status)
}

// Returns the limits configured for every mode.
func (h *RateLimitHandler) Limits(c *gin.Context) {
	table := h.registry.Table()

	modes := make(gin.H)
	for _, mode := range table.Modes() {
		limits, _ := table.Lookup(mode)

		plans := make(gin.H, len(limits.Plans))
		for plan, cfg := range limits.Plans {
			plans[string(plan)] = limitJSON(cfg)
		}
		modes[string(mode)] = gin.H{
			"default": limitJSON(limits.Default),
			"plans":   plans,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"modes":    modes,
		"fallback": limitJSON(table.Fallback()),
	})
}

func limitJSON(cfg ratelimit.LimiterConfig) gin.H {
	return gin.H{
		"points":           cfg.Points,
		"duration_seconds": int64(cfg.Duration.Seconds()),
	}
}
