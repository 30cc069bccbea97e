package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/circuitbreaker"
	"github.com/aman-churiwal/api-ratelimiter/internal/config"
	"github.com/aman-churiwal/api-ratelimiter/internal/handler"
	"github.com/aman-churiwal/api-ratelimiter/internal/healthcheck"
	"github.com/aman-churiwal/api-ratelimiter/internal/middleware"
	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
	"github.com/aman-churiwal/api-ratelimiter/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	serviceName = "api-ratelimiter"
	version     = "1.0.0"
)

// Collaborators built by main. Store is required; the rest may be nil.
type Deps struct {
	Registry *ratelimit.Registry
	Store    healthcheck.Pinger
	Database healthcheck.Pinger
	Plans    *service.PlanService
	Breaker  *circuitbreaker.CircuitBreaker
	Logger   *logrus.Logger
}

type Server struct {
	router           *gin.Engine
	config           *config.Config
	deps             Deps
	checker          *healthcheck.Checker
	rateLimitHandler *handler.RateLimitHandler
	systemHandler    *handler.SystemHandler
	httpServer       *http.Server
	startTime        time.Time
}

func New(cfg *config.Config, deps Deps) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	targets := map[string]healthcheck.Pinger{"store": deps.Store}
	if deps.Database != nil {
		targets["database"] = deps.Database
	}

	s := &Server{
		router: gin.New(),
		config: cfg,
		deps:   deps,
		checker: healthcheck.NewChecker(targets, healthcheck.Config{
			Interval: cfg.Server.HealthInterval(),
			Logger:   deps.Logger,
		}),
		rateLimitHandler: handler.NewRateLimitHandler(deps.Registry),
		systemHandler:    handler.NewSystemHandler(deps.Breaker),
		startTime:        time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.deps.Logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.deps.Logger))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/v1")
	v1.Use(middleware.ResolvePlan(s.deps.Plans, s.deps.Logger))
	{
		v1.POST("/scrape", s.limit(ratelimit.ModeScrape), s.accepted(ratelimit.ModeScrape))
		v1.POST("/crawl", s.limit(ratelimit.ModeCrawl), s.accepted(ratelimit.ModeCrawl))
		v1.GET("/crawl/:id", s.limit(ratelimit.ModeCrawlStatus), s.accepted(ratelimit.ModeCrawlStatus))
		v1.POST("/search", s.limit(ratelimit.ModeSearch), s.accepted(ratelimit.ModeSearch))
		v1.POST("/preview", s.limit(ratelimit.ModePreview), s.accepted(ratelimit.ModePreview))
		v1.GET("/account", s.limit(ratelimit.ModeAccount), s.accepted(ratelimit.ModeAccount))

		v1.GET("/rate-limit", s.rateLimitHandler.Limits)
		v1.GET("/rate-limit/:mode", s.rateLimitHandler.Status)
	}

	if s.config.Server.AdminToken != "" {
		admin := s.router.Group("/admin")
		admin.Use(middleware.AdminAuth(s.config.Server.AdminToken))
		{
			admin.GET("/status", s.adminStatus)
			admin.GET("/circuit-breaker", s.systemHandler.CircuitBreakerStatus)
			admin.POST("/circuit-breaker/reset", s.systemHandler.ResetCircuitBreaker)
		}
	}
}

func (s *Server) limit(mode ratelimit.Mode) gin.HandlerFunc {
	return middleware.RateLimit(s.deps.Registry, mode, middleware.RateLimitOptions{
		FailOpen: s.config.RateLimit.FailOpen,
		Logger:   s.deps.Logger,
	})
}

// Stands in for the real work of a mode once the request is admitted.
func (s *Server) accepted(mode ratelimit.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"success": true,
			"mode":    string(mode),
		}
		if res, ok := c.Get(middleware.ContextRateLimit); ok {
			body["rate_limit"] = res
		}
		c.JSON(http.StatusOK, body)
	}
}

// Pings every dependency now. Run does this on start and then on an interval.
func (s *Server) CheckDependencies(ctx context.Context) {
	s.checker.CheckNow(ctx)
}

// Serves the last background check result without touching the store.
func (s *Server) healthCheck(c *gin.Context) {
	health := s.checker.OverallHealth()
	statusCode := http.StatusOK
	if health != healthcheck.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	checks := make(gin.H)
	for _, status := range s.checker.GetAllStatus() {
		checks[status.Name] = status.IsHealthy
	}

	body := gin.H{
		"status":    health.String(),
		"service":   serviceName,
		"version":   version,
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	}
	if s.deps.Breaker != nil {
		body["circuit_breaker"] = s.deps.Breaker.State().String()
	}

	c.JSON(statusCode, body)
}

func (s *Server) adminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ratelimiter":  "running",
		"modes":        len(s.deps.Registry.Table().Modes()),
		"fail_open":    s.config.RateLimit.FailOpen,
		"dependencies": s.checker.GetAllStatus(),
		"uptime":       time.Since(s.startTime).Seconds(),
		"timestamp":    time.Now().Unix(),
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	s.checker.Start()

	s.deps.Logger.WithFields(logrus.Fields{
		"addr":        addr,
		"environment": s.config.Server.Environment,
	}).Info("starting rate limiter")

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.deps.Logger.Info("shutting down server")
	s.checker.Stop()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
