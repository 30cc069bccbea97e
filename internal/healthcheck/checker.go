package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// A dependency that can be probed, e.g. the counter store or the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Periodically pings the service's dependencies and remembers the outcome.
type Checker struct {
	mu          sync.RWMutex
	targets     map[string]Pinger
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	logger      *logrus.Logger
	stopChan    chan struct{}
	running     bool
}

type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Ping timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)
	Logger      *logrus.Logger
}

func NewChecker(targets map[string]Pinger, cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	checker := &Checker{
		targets:     make(map[string]Pinger, len(targets)),
		status:      make(map[string]*Status, len(targets)),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		logger:      cfg.Logger,
	}

	now := time.Now()
	for name, target := range targets {
		checker.targets[name] = target
		checker.status[name] = &Status{
			Name:      name,
			IsHealthy: true, // Assume healthy until the first check
			LastCheck: now,
		}
	}

	return checker
}

// Runs a check immediately, then every interval until Stop. A stopped
// checker can be started again.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	stop := make(chan struct{})
	c.stopChan = stop
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"targets":  len(c.targets),
		"interval": c.interval.String(),
	}).Info("starting health checks")

	c.CheckNow(context.Background())

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckNow(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		c.logger.Info("health checker stopped")
	}
}

// Pings every target concurrently and waits for all of them.
func (c *Checker) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup

	for name, target := range c.targets {
		wg.Add(1)
		go func(name string, target Pinger) {
			defer wg.Done()
			c.check(ctx, name, target)
		}(name, target)
	}

	wg.Wait()
}

func (c *Checker) check(ctx context.Context, name string, target Pinger) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := target.Ping(ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = time.Now()
	status.LastSuccess = status.LastCheck
	status.LastError = ""
	status.FailureCount = 0

	if !status.IsHealthy {
		c.logger.WithField("target", name).Info("dependency is healthy again")
		status.IsHealthy = true
	}
}

func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = time.Now()
	status.LastFailure = status.LastCheck
	status.LastError = err.Error()
	status.FailureCount++

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"target":   name,
			"failures": status.FailureCount,
		}).Warn("dependency is unhealthy")
		status.IsHealthy = false
	}
}

// Returns a copy of the status of one target, or nil.
func (c *Checker) GetStatus(name string) *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if status, exists := c.status[name]; exists {
		statusCopy := *status
		return &statusCopy
	}
	return nil
}

// Copies of every target's status, ordered by name.
func (c *Checker) GetAllStatus() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statuses := make([]Status, 0, len(c.status))
	for _, status := range c.status {
		statuses = append(statuses, *status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Healthy when every target is, Unhealthy when none is.
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthy := 0
	for _, status := range c.status {
		if status.IsHealthy {
			healthy++
		}
	}

	switch {
	case healthy == len(c.status):
		return Healthy
	case healthy == 0:
		return Unhealthy
	default:
		return Degraded
	}
}
