package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/circuitbreaker"
	"github.com/aman-churiwal/api-ratelimiter/internal/config"
	"github.com/aman-churiwal/api-ratelimiter/internal/healthcheck"
	"github.com/aman-churiwal/api-ratelimiter/internal/logging"
	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
	"github.com/aman-churiwal/api-ratelimiter/internal/repository"
	"github.com/aman-churiwal/api-ratelimiter/internal/server"
	"github.com/aman-churiwal/api-ratelimiter/internal/service"
	"github.com/aman-churiwal/api-ratelimiter/internal/storage"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	createKey := flag.String("create-key", "", "issue an API key with this name and exit")
	plan := flag.String("plan", "free", "plan of the key issued with -create-key")
	revokeKey := flag.String("revoke-key", "", "deactivate this API key and exit")
	flag.Parse()

	// Load env if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	table, err := cfg.RateLimit.Table(ratelimit.DefaultTable())
	if err != nil {
		logger.WithError(err).Fatal("invalid rate limit table")
	}

	var (
		store   ratelimit.CounterStore
		pinger  healthcheck.Pinger
		cache   service.Cache
		breaker *circuitbreaker.CircuitBreaker
		deps    server.Deps
	)

	switch cfg.Redis.Driver {
	case "memory":
		memory := storage.NewMemoryStore(nil)
		store, pinger = memory, memory
		logger.Warn("using in-memory counter store, limits are not shared between instances")
	default:
		breaker = storage.NewBreaker(circuitbreaker.Config{
			MaxFailures: cfg.Redis.Breaker.MaxFailures,
			Timeout:     cfg.Redis.Breaker.Timeout(),
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.WithFields(logrus.Fields{
					"from": from.String(),
					"to":   to.String(),
				}).Warn("counter store circuit breaker changed state")
			},
		})

		redis, err := storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB, breaker)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer redis.Close()

		store, pinger, cache = redis, redis, redis
		logger.WithField("addr", cfg.Redis.GetRedisAddr()).Info("connected to redis")
	}

	if cfg.Database.URL != "" {
		postgres, err := storage.NewPostgres(cfg.Database.URL, cfg.Database.Debug)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to database")
		}
		defer postgres.Close()

		if err := postgres.AutoMigrate(); err != nil {
			logger.WithError(err).Fatal("failed to migrate database")
		}

		deps.Database = postgres
		deps.Plans = service.NewPlanService(repository.NewAPIKeyRepository(postgres), cache)
		logger.Info("connected to database, plan lookup enabled")
	} else {
		logger.Info("no database configured, every caller uses the default plan")
	}

	if *createKey != "" {
		if deps.Plans == nil {
			logger.Fatal("-create-key needs a database")
		}
		key, err := deps.Plans.Create(context.Background(), *createKey, *plan)
		if err != nil {
			logger.WithError(err).Fatal("failed to create API key")
		}
		fmt.Println(key)
		return
	}

	if *revokeKey != "" {
		if deps.Plans == nil {
			logger.Fatal("-revoke-key needs a database")
		}
		if err := deps.Plans.Revoke(context.Background(), *revokeKey); err != nil {
			logger.WithError(err).Fatal("failed to revoke API key")
		}
		logger.Info("API key revoked")
		return
	}

	registry, err := ratelimit.NewRegistry(store, table, cfg.RateLimit.Options()...)
	if err != nil {
		logger.WithError(err).Fatal("failed to build rate limiter registry")
	}

	deps.Registry = registry
	deps.Store = pinger
	deps.Breaker = breaker
	deps.Logger = logger

	srv := server.New(cfg, deps)

	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server exited")
}
