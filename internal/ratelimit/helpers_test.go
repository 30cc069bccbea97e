package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
	"github.com/aman-churiwal/api-ratelimiter/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*storage.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return storage.NewRedisFromClient(client, nil), mr
}

func newRegistry(t *testing.T, opts ...ratelimit.Option) (*ratelimit.Registry, *miniredis.Miniredis) {
	t.Helper()

	store, mr := newRedisStore(t)
	registry, err := ratelimit.NewRegistry(store, ratelimit.DefaultTable(), opts...)
	require.NoError(t, err)
	return registry, mr
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
