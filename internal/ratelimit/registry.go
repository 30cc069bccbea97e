package ratelimit

import (
	"fmt"
	"strings"
	"sync"
)

const (
	DefaultKeyPrefix = "ratelimit"

	serverNamespace    = "server"
	testSuiteNamespace = "test-suite"
)

// Tokens containing one of these are treated as test traffic.
var DefaultTestTokenMarkers = []string{"a01ccae", "6254cf9"}

var (
	defaultServerLimit    = LimiterConfig{Points: 20, Duration: DefaultDuration}
	defaultTestSuiteLimit = LimiterConfig{Points: 10000, Duration: DefaultDuration}
)

type identity struct {
	mode Mode
	plan Plan
}

func (id identity) namespace() string {
	return string(id.mode) + "-" + id.plan.String()
}

// Selects the limiter for a request and owns every limiter it hands out.
// Limiters are built lazily and kept for the lifetime of the registry.
type Registry struct {
	store       CounterStore
	table       *Table
	prefix      string
	testMarkers []string

	server    *RateLimiter
	testSuite *RateLimiter

	mu       sync.Mutex
	limiters map[identity]*RateLimiter
}

type options struct {
	prefix         string
	testMarkers    []string
	serverLimit    LimiterConfig
	testSuiteLimit LimiterConfig
}

type Option func(*options)

// Prefix for every counter key. An empty prefix is allowed.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// Substrings that mark a token as test traffic. An empty list disables
// test isolation.
func WithTestTokenMarkers(markers ...string) Option {
	return func(o *options) {
		o.testMarkers = markers
	}
}

// Budget of the limiter used for unrecognized modes.
func WithServerLimit(cfg LimiterConfig) Option {
	return func(o *options) {
		o.serverLimit = cfg
	}
}

// Budget of the test isolation limiter.
func WithTestSuiteLimit(cfg LimiterConfig) Option {
	return func(o *options) {
		o.testSuiteLimit = cfg
	}
}

// Validates table and builds the server and test-suite limiters up front.
func NewRegistry(store CounterStore, table *Table, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil counter store", ErrInvalidConfiguration)
	}
	if table == nil {
		return nil, fmt.Errorf("%w: nil table", ErrInvalidConfiguration)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	o := options{
		prefix:         DefaultKeyPrefix,
		testMarkers:    DefaultTestTokenMarkers,
		serverLimit:    defaultServerLimit,
		testSuiteLimit: defaultTestSuiteLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.serverLimit.valid() {
		return nil, fmt.Errorf("%w: server limit %+v", ErrInvalidConfiguration, o.serverLimit)
	}
	if !o.testSuiteLimit.valid() {
		return nil, fmt.Errorf("%w: test suite limit %+v", ErrInvalidConfiguration, o.testSuiteLimit)
	}

	markers := make([]string, 0, len(o.testMarkers))
	for _, m := range o.testMarkers {
		if m = strings.TrimSpace(m); m != "" {
			markers = append(markers, m)
		}
	}

	return &Registry{
		store:       store,
		table:       table,
		prefix:      o.prefix,
		testMarkers: markers,
		server:      NewRateLimiter(store, o.prefix, serverNamespace, o.serverLimit),
		testSuite:   NewRateLimiter(store, o.prefix, testSuiteNamespace, o.testSuiteLimit),
		limiters:    make(map[identity]*RateLimiter),
	}, nil
}

// Returns the limiter for a request. Test tokens always get the test-suite
// limiter, unrecognized modes get the server limiter, everything else gets
// the cached limiter for (mode, plan). An empty plan means no plan.
func (r *Registry) GetRateLimiter(mode, token, plan string) *RateLimiter {
	if r.IsTestToken(token) {
		return r.testSuite
	}

	m := Mode(mode)
	if !m.Valid() {
		return r.server
	}

	id := identity{mode: m, plan: ParsePlan(plan)}
	if !id.plan.Known() && !r.table.HasPlan(m, id.plan) {
		// arbitrary plan names share the mode default
		id.plan = PlanDefault
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters[id]; ok {
		return limiter
	}
	limiter := NewRateLimiter(r.store, r.prefix, id.namespace(), r.table.Resolve(id.mode, id.plan))
	r.limiters[id] = limiter
	return limiter
}

func (r *Registry) IsTestToken(token string) bool {
	if token == "" {
		return false
	}
	for _, marker := range r.testMarkers {
		if strings.Contains(token, marker) {
			return true
		}
	}
	return false
}

// The limiter used for test traffic.
func (r *Registry) TestSuite() *RateLimiter {
	return r.testSuite
}

// The limiter used for unrecognized modes.
func (r *Registry) Server() *RateLimiter {
	return r.server
}

func (r *Registry) Table() *Table {
	return r.table
}
