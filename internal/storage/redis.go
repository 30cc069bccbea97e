package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

// Adds amount and sets the expiry only when the entry has none, so the
// window stays fixed at the time it was opened.
var incrementScript = redis.NewScript(`
local total = redis.call("INCRBY", KEYS[1], ARGV[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {total, ttl}
`)

// Same as incrementScript but leaves the entry untouched when the new total
// would exceed the ceiling. The third element reports whether it applied.
var incrementWithinScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
local amount = tonumber(ARGV[1])
if current + amount > tonumber(ARGV[2]) then
  if ttl < 0 then
    ttl = 0
  end
  return {current, ttl, 0}
end
local total = redis.call("INCRBY", KEYS[1], amount)
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  ttl = tonumber(ARGV[3])
end
return {total, ttl, 1}
`)

// Subtracts at most the current total and keeps the expiry.
var decrementScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl == -2 then
  return {0, 0}
end
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local amount = tonumber(ARGV[1])
if amount > current then
  amount = current
end
local total = redis.call("DECRBY", KEYS[1], amount)
if ttl < 0 then
  ttl = 0
end
return {total, ttl}
`)

type RedisClient struct {
	client  *redis.Client
	breaker *circuitbreaker.CircuitBreaker
}

// Connects and pings. The caller owns the returned client and must Close it.
func NewRedis(addr, password string, db int, breaker *circuitbreaker.CircuitBreaker) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to redis: %w", ErrUnavailable, err)
	}

	return NewRedisFromClient(client, breaker), nil
}

// Wraps an existing client. breaker may be nil.
func NewRedisFromClient(client *redis.Client, breaker *circuitbreaker.CircuitBreaker) *RedisClient {
	return &RedisClient{client: client, breaker: breaker}
}

func (r *RedisClient) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (Counter, error) {
	var counter Counter
	err := r.do(func() error {
		res, err := incrementScript.Run(ctx, r.client, []string{key}, amount, ttl.Milliseconds()).Result()
		if err != nil {
			return err
		}
		values, err := int64Reply(res, 2)
		if err != nil {
			return err
		}
		counter = Counter{Total: values[0], TTL: time.Duration(values[1]) * time.Millisecond}
		return nil
	})
	return counter, err
}

func (r *RedisClient) IncrementWithin(ctx context.Context, key string, amount, ceiling int64, ttl time.Duration) (Counter, bool, error) {
	var counter Counter
	var applied bool
	err := r.do(func() error {
		res, err := incrementWithinScript.Run(ctx, r.client, []string{key}, amount, ceiling, ttl.Milliseconds()).Result()
		if err != nil {
			return err
		}
		values, err := int64Reply(res, 3)
		if err != nil {
			return err
		}
		counter = Counter{Total: values[0], TTL: time.Duration(values[1]) * time.Millisecond}
		applied = values[2] == 1
		return nil
	})
	return counter, applied, err
}

func (r *RedisClient) Decrement(ctx context.Context, key string, amount int64) (Counter, error) {
	var counter Counter
	err := r.do(func() error {
		res, err := decrementScript.Run(ctx, r.client, []string{key}, amount).Result()
		if err != nil {
			return err
		}
		values, err := int64Reply(res, 2)
		if err != nil {
			return err
		}
		counter = Counter{Total: values[0], TTL: time.Duration(values[1]) * time.Millisecond}
		return nil
	})
	return counter, err
}

// Returns ErrNotFound when no entry exists for key.
func (r *RedisClient) Peek(ctx context.Context, key string) (Counter, error) {
	var counter Counter
	found := true
	err := r.do(func() error {
		pipe := r.client.TxPipeline()
		getCmd := pipe.Get(ctx, key)
		ttlCmd := pipe.PTTL(ctx, key)

		_, err := pipe.Exec(ctx)
		if err == redis.Nil {
			found = false
			return nil
		}
		if err != nil {
			return err
		}

		total, err := getCmd.Int64()
		if err != nil {
			return fmt.Errorf("invalid counter value for %s: %w", key, err)
		}
		counter = Counter{Total: total, TTL: ttlCmd.Val()}
		if counter.TTL < 0 {
			counter.TTL = 0
		}
		return nil
	})
	if err != nil {
		return Counter{}, err
	}
	if !found {
		return Counter{}, ErrNotFound
	}
	return counter, nil
}

func (r *RedisClient) Reset(ctx context.Context, key string) error {
	return r.do(func() error {
		return r.client.Del(ctx, key).Err()
	})
}

// Returns ErrNotFound when the key is missing.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	var val string
	found := true
	err := r.do(func() error {
		v, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			found = false
			return nil
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return val, nil
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.do(func() error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.do(func() error {
		return r.client.Ping(ctx).Err()
	})
}

func (r *RedisClient) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Returns the breaker guarding this client, or nil.
func (r *RedisClient) Breaker() *circuitbreaker.CircuitBreaker {
	return r.breaker
}

// Runs fn through the breaker and maps every failure to ErrUnavailable.
func (r *RedisClient) do(fn func() error) error {
	if r == nil || r.client == nil {
		return ErrNotConnected
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.Call(fn)
	} else {
		err = fn()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	case errors.Is(err, ErrUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func int64Reply(res interface{}, n int) ([]int64, error) {
	items, ok := res.([]interface{})
	if !ok || len(items) != n {
		return nil, fmt.Errorf("unexpected script reply %v", res)
	}

	values := make([]int64, n)
	for i, item := range items {
		v, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element %T", item)
		}
		values[i] = v
	}
	return values, nil
}
