package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/api-ratelimiter/internal/circuitbreaker"
	"github.com/aman-churiwal/api-ratelimiter/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T, breaker *circuitbreaker.CircuitBreaker) (*storage.RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return storage.NewRedisFromClient(client, breaker), mr
}

func TestRedisClient_IncrementSetsTTLOnlyOnCreate(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedis(t, nil)

	counter, err := store.Increment(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counter.Total)
	assert.Equal(t, time.Minute, counter.TTL)

	mr.FastForward(20 * time.Second)

	counter, err = store.Increment(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counter.Total)
	assert.Equal(t, 40*time.Second, counter.TTL)
	assert.Equal(t, 40*time.Second, mr.TTL("k"))
}

func TestRedisClient_IncrementWithin(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedis(t, nil)

	counter, applied, err := store.IncrementWithin(ctx, "k", 6, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(6), counter.Total)

	counter, applied, err = store.IncrementWithin(ctx, "k", 5, 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(6), counter.Total)
	assert.Equal(t, time.Minute, counter.TTL)

	val, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "6", val)

	counter, applied, err = store.IncrementWithin(ctx, "k", 4, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(10), counter.Total)
}

func TestRedisClient_IncrementWithinRejectsOnMissingKey(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedis(t, nil)

	counter, applied, err := store.IncrementWithin(ctx, "k", 11, 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, storage.Counter{}, counter)
	assert.False(t, mr.Exists("k"))
}

func TestRedisClient_EntryExpires(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedis(t, nil)

	_, _, err := store.IncrementWithin(ctx, "k", 10, 10, time.Second)
	require.NoError(t, err)

	mr.FastForward(time.Second)

	_, err = store.Peek(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	counter, applied, err := store.IncrementWithin(ctx, "k", 1, 10, time.Second)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), counter.Total)
}

func TestRedisClient_PeekAndReset(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedis(t, nil)

	_, err := store.Peek(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Increment(ctx, "k", 4, time.Minute)
	require.NoError(t, err)

	counter, err := store.Peek(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counter.Total)
	assert.Equal(t, time.Minute, counter.TTL)

	require.NoError(t, store.Reset(ctx, "k"))
	_, err = store.Peek(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisClient_DecrementFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedis(t, nil)

	counter, err := store.Decrement(ctx, "missing", 3)
	require.NoError(t, err)
	assert.Equal(t, storage.Counter{}, counter)

	_, err = store.Increment(ctx, "k", 4, time.Minute)
	require.NoError(t, err)

	counter, err = store.Decrement(ctx, "k", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counter.Total)
	assert.Equal(t, time.Minute, counter.TTL)
}

func TestRedisClient_GetSet(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedis(t, nil)

	_, err := store.Get(ctx, "plan")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Set(ctx, "plan", "hobby", 5*time.Minute))
	val, err := store.Get(ctx, "plan")
	require.NoError(t, err)
	assert.Equal(t, "hobby", val)
	assert.Equal(t, 5*time.Minute, mr.TTL("plan"))
}

func TestRedisClient_ErrorsAreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedis(t, nil)

	mr.SetError("ERR store down")

	_, _, err := store.IncrementWithin(ctx, "k", 1, 10, time.Minute)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	_, err = store.Peek(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Ping(ctx), storage.ErrUnavailable)
}

func TestRedisClient_NotConnected(t *testing.T) {
	ctx := context.Background()

	var nilStore *storage.RedisClient
	_, err := nilStore.Increment(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, storage.ErrNotConnected)
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	store, _ := newRedis(t, nil)
	require.NoError(t, store.Close())
	_, err = store.Peek(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotConnected)
}

func TestRedisClient_BreakerFailsFast(t *testing.T) {
	ctx := context.Background()
	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 2, Timeout: time.Hour})
	store, mr := newRedis(t, breaker)

	mr.SetError("ERR store down")
	for i := 0; i < 2; i++ {
		_, err := store.Increment(ctx, "k", 1, time.Minute)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	mr.SetError("")
	_, err := store.Increment(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.False(t, mr.Exists("k"))
}

func TestRedisClient_MissingKeyDoesNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	breaker := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 1, Timeout: time.Hour})
	store, _ := newRedis(t, breaker)

	for i := 0; i < 3; i++ {
		_, err := store.Peek(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestRedisClient_CancelledCallsDoNotTripBreaker(t *testing.T) {
	breaker := storage.NewBreaker(circuitbreaker.Config{MaxFailures: 5, Timeout: time.Hour})
	store, _ := newRedis(t, breaker)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		_, _, err := store.IncrementWithin(cancelled, "k", 1, 10, time.Minute)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
	assert.Zero(t, breaker.Metrics().FailureCount)

	counter, applied, err := store.IncrementWithin(context.Background(), "k", 1, 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), counter.Total)
}

func TestIsStoreFailure(t *testing.T) {
	assert.False(t, storage.IsStoreFailure(nil))
	assert.False(t, storage.IsStoreFailure(context.Canceled))
	assert.True(t, storage.IsStoreFailure(context.DeadlineExceeded))
	assert.True(t, storage.IsStoreFailure(storage.ErrUnavailable))
}
