package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/storage"
)

// Atomic counter operations the limiter needs. Atomicity per key is the
// store's job; RateLimiter never locks around these calls.
type CounterStore interface {
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (storage.Counter, error)
	IncrementWithin(ctx context.Context, key string, amount, ceiling int64, ttl time.Duration) (storage.Counter, bool, error)
	Decrement(ctx context.Context, key string, amount int64) (storage.Counter, error)
	Peek(ctx context.Context, key string) (storage.Counter, error)
	Reset(ctx context.Context, key string) error
}

// Window state for one key after an operation.
type Result struct {
	ConsumedPoints    int   `json:"consumed_points"`
	RemainingPoints   int   `json:"remaining_points"`
	MsBeforeNext      int64 `json:"ms_before_next"`
	IsFirstInDuration bool  `json:"is_first_in_duration"`
}

func (r Result) RetryAfter() time.Duration {
	return time.Duration(r.MsBeforeNext) * time.Millisecond
}

// Fixed-window limiter bound to one LimiterConfig and one namespace. Two
// limiters with the same namespace share counters.
type RateLimiter struct {
	store     CounterStore
	prefix    string
	namespace string
	points    int
	duration  time.Duration
}

func NewRateLimiter(store CounterStore, prefix, namespace string, cfg LimiterConfig) *RateLimiter {
	return &RateLimiter{
		store:     store,
		prefix:    prefix,
		namespace: namespace,
		points:    cfg.Points,
		duration:  cfg.Duration,
	}
}

func (l *RateLimiter) Points() int {
	return l.points
}

func (l *RateLimiter) Duration() time.Duration {
	return l.duration
}

func (l *RateLimiter) Namespace() string {
	return l.namespace
}

// Adds points to key's window, opening a new window if none is active.
// When the total would exceed the budget nothing is committed and an
// *ExceededError carrying the current state is returned.
func (l *RateLimiter) Consume(ctx context.Context, key string, points int) (Result, error) {
	if points <= 0 {
		return Result{}, ErrInvalidPoints
	}

	counter, applied, err := l.store.IncrementWithin(ctx, l.counterKey(key), int64(points), int64(l.points), l.duration)
	if err != nil {
		return Result{}, err
	}

	res := l.result(counter)
	if !applied {
		return Result{}, &ExceededError{Result: res}
	}
	res.IsFirstInDuration = counter.Total == int64(points)
	return res, nil
}

// Returns nil when key has no active window, meaning the full budget is available.
func (l *RateLimiter) Get(ctx context.Context, key string) (*Result, error) {
	counter, err := l.store.Peek(ctx, l.counterKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := l.result(counter)
	return &res, nil
}

// Consumes points regardless of the budget, e.g. to punish abuse.
func (l *RateLimiter) Penalty(ctx context.Context, key string, points int) (Result, error) {
	if points <= 0 {
		return Result{}, ErrInvalidPoints
	}

	counter, err := l.store.Increment(ctx, l.counterKey(key), int64(points), l.duration)
	if err != nil {
		return Result{}, err
	}
	return l.result(counter), nil
}

// Gives points back to key's active window, never below zero consumed.
// A key without a window is left alone.
func (l *RateLimiter) Reward(ctx context.Context, key string, points int) (Result, error) {
	if points <= 0 {
		return Result{}, ErrInvalidPoints
	}

	counter, err := l.store.Decrement(ctx, l.counterKey(key), int64(points))
	if err != nil {
		return Result{}, err
	}
	return l.result(counter), nil
}

// Drops key's window.
func (l *RateLimiter) Delete(ctx context.Context, key string) error {
	return l.store.Reset(ctx, l.counterKey(key))
}

func (l *RateLimiter) counterKey(key string) string {
	if l.prefix == "" {
		return l.namespace + ":" + key
	}
	return l.prefix + ":" + l.namespace + ":" + key
}

func (l *RateLimiter) result(counter storage.Counter) Result {
	remaining := int64(l.points) - counter.Total
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		ConsumedPoints:  int(counter.Total),
		RemainingPoints: int(remaining),
		MsBeforeNext:    counter.TTL.Milliseconds(),
	}
}
