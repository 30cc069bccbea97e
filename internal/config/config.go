package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Database  DatabaseConfig  `json:"database"`
	Log       LogConfig       `json:"log"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Environment string `json:"environment"`
	// Bearer token for /admin routes. Empty disables them.
	AdminToken string `json:"admin_token"`
	// Seconds between background dependency checks.
	HealthCheckInterval int `json:"health_check_interval"`
}

type RedisConfig struct {
	// "redis" or "memory". memory keeps counters in this process only.
	Driver   string        `json:"driver"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	Breaker  BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	MaxFailures    int `json:"max_failures"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

type DatabaseConfig struct {
	// Empty disables API key plan lookup; every caller gets the default plan.
	URL   string `json:"url"`
	Debug bool   `json:"debug"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type RateLimitConfig struct {
	KeyPrefix string `json:"key_prefix"`
	// Let requests through when the counter store is unreachable.
	FailOpen         bool                     `json:"fail_open"`
	TestTokenMarkers []string                 `json:"test_token_markers"`
	Server           *LimitValue              `json:"server"`
	TestSuite        *LimitValue              `json:"test_suite"`
	Modes            map[string]ModeOverrides `json:"modes"`
}

// Duration is in seconds; zero means one minute.
type LimitValue struct {
	Points   int `json:"points"`
	Duration int `json:"duration"`
}

type ModeOverrides struct {
	Default *LimitValue           `json:"default"`
	Plans   map[string]LimitValue `json:"plans"`
}

func (v LimitValue) limiterConfig() ratelimit.LimiterConfig {
	d := time.Duration(v.Duration) * time.Second
	if v.Duration == 0 {
		d = ratelimit.DefaultDuration
	}
	return ratelimit.LimiterConfig{Points: v.Points, Duration: d}
}

// Reads a JSON config file, then applies environment overrides. A missing
// file is not an error; defaults and the environment are used instead.
func Load(path string) (*Config, error) {
	config := defaults()

	file, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(file, config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                "8080",
			Environment:         "development",
			HealthCheckInterval: 10,
		},
		Redis: RedisConfig{
			Driver: "redis",
			Host:   "localhost",
			Port:   6379,
			Breaker: BreakerConfig{
				MaxFailures:    5,
				TimeoutSeconds: 30,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			KeyPrefix:        ratelimit.DefaultKeyPrefix,
			TestTokenMarkers: append([]string(nil), ratelimit.DefaultTestTokenMarkers...),
		},
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Redis.Driver = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT %q: %w", v, err)
		}
		c.Redis.Port = port
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("RATE_LIMIT_KEY_PREFIX"); v != "" {
		c.RateLimit.KeyPrefix = v
	}
	if v := os.Getenv("RATE_LIMIT_FAIL_OPEN"); v != "" {
		failOpen, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_FAIL_OPEN %q: %w", v, err)
		}
		c.RateLimit.FailOpen = failOpen
	}
	if v, ok := os.LookupEnv("RATE_LIMIT_TEST_MARKERS"); ok {
		c.RateLimit.TestTokenMarkers = splitList(v)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	switch c.Redis.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Redis.Driver)
	}
	if c.Redis.Driver == "redis" && c.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	return nil
}

func (r RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (s ServerConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthCheckInterval) * time.Second
}

func (b BreakerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// Layers the configured mode overrides on top of base and validates the
// result, so a bad config file fails at startup.
func (r RateLimitConfig) Table(base *ratelimit.Table) (*ratelimit.Table, error) {
	overrides := make(map[ratelimit.Mode]ratelimit.ModeLimits, len(r.Modes))
	for name, mode := range r.Modes {
		m := ratelimit.Mode(name)
		if !m.Valid() {
			return nil, fmt.Errorf("%w: unknown mode %q", ratelimit.ErrInvalidConfiguration, name)
		}

		limits := ratelimit.ModeLimits{Plans: make(map[ratelimit.Plan]ratelimit.LimiterConfig, len(mode.Plans))}
		if mode.Default != nil {
			limits.Default = mode.Default.limiterConfig()
			if limits.Default.Points <= 0 {
				return nil, fmt.Errorf("%w: mode %q default points must be positive", ratelimit.ErrInvalidConfiguration, name)
			}
		}
		for planName, value := range mode.Plans {
			plan := ratelimit.ParsePlan(planName)
			if plan == ratelimit.PlanDefault || plan == "default" {
				return nil, fmt.Errorf("%w: mode %q: use \"default\" instead of a plan entry", ratelimit.ErrInvalidConfiguration, name)
			}
			limits.Plans[plan] = value.limiterConfig()
		}
		overrides[m] = limits
	}

	table := base.WithOverrides(overrides)
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// Registry options derived from the config.
func (r RateLimitConfig) Options() []ratelimit.Option {
	opts := []ratelimit.Option{
		ratelimit.WithKeyPrefix(r.KeyPrefix),
		ratelimit.WithTestTokenMarkers(r.TestTokenMarkers...),
	}
	if r.Server != nil {
		opts = append(opts, ratelimit.WithServerLimit(r.Server.limiterConfig()))
	}
	if r.TestSuite != nil {
		opts = append(opts, ratelimit.WithTestSuiteLimit(r.TestSuite.limiterConfig()))
	}
	return opts
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
