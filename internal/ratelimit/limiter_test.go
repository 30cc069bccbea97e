package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aman-churiwal/api-ratelimiter/internal/ratelimit"
	"github.com/aman-churiwal/api-ratelimiter/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_ConsumeCrawlFree(t *testing.T) {
	registry, _ := newRegistry(t)
	limiter := registry.GetRateLimiter("crawl", "test-prefix:someTokenCRAWL", "free")

	res, err := limiter.Consume(context.Background(), "test-prefix:someTokenCRAWL", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemainingPoints)
	assert.Equal(t, 1, res.ConsumedPoints)
	assert.True(t, res.IsFirstInDuration)
	assert.Greater(t, res.MsBeforeNext, int64(0))
	assert.LessOrEqual(t, res.MsBeforeNext, int64(60000))
}

func TestRateLimiter_ConsumeScrapeDefaultAndHobby(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)

	res, err := registry.GetRateLimiter("scrape", "test-prefix:someTokenX", "").Consume(ctx, "test-prefix:someTokenX", 4)
	require.NoError(t, err)
	assert.Equal(t, 16, res.RemainingPoints)

	hobby := registry.GetRateLimiter("scrape", "test-prefix:someTokenXY", "hobby")
	assert.Equal(t, 10, hobby.Points())
	res, err = hobby.Consume(ctx, "test-prefix:someTokenXY", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ConsumedPoints)
	assert.Equal(t, 5, res.RemainingPoints)
}

func TestRateLimiter_ExhaustionIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "exhaust", ratelimit.LimiterConfig{Points: 10, Duration: time.Second})

	_, err := limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)
	res, err := limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemainingPoints)
	assert.False(t, res.IsFirstInDuration)

	_, err = limiter.Consume(ctx, "key", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrRateLimitExceeded))

	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 0, exceeded.Result.RemainingPoints)
	assert.Equal(t, 10, exceeded.Result.ConsumedPoints)
	assert.Greater(t, exceeded.Result.MsBeforeNext, int64(0))

	snapshot, err := limiter.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 0, snapshot.RemainingPoints)
	assert.Equal(t, 10, snapshot.ConsumedPoints)
}

func TestRateLimiter_RejectedConsumeDoesNotChangeState(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)
	limiter := registry.GetRateLimiter("scrape", "tok", "hobby")

	_, err := limiter.Consume(ctx, "tok", 3)
	require.NoError(t, err)

	_, err = limiter.Consume(ctx, "tok", 8)
	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 7, exceeded.Result.RemainingPoints)

	res, err := limiter.Get(ctx, "tok")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 7, res.RemainingPoints)

	// the remaining budget is still fully usable
	last, err := limiter.Consume(ctx, "tok", 7)
	require.NoError(t, err)
	assert.Equal(t, 0, last.RemainingPoints)
}

func TestRateLimiter_OverBudgetOnFreshKeyCreatesNothing(t *testing.T) {
	ctx := context.Background()
	registry, mr := newRegistry(t)
	limiter := registry.GetRateLimiter("crawl", "test-prefix:someToken", "")

	_, err := limiter.Consume(ctx, "test-prefix:someToken", limiter.Points()+1)
	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, limiter.Points(), exceeded.Result.RemainingPoints)
	assert.Equal(t, int64(0), exceeded.Result.MsBeforeNext)

	res, err := limiter.Get(ctx, "test-prefix:someToken")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, mr.Exists("ratelimit:crawl-default:test-prefix:someToken"))
}

func TestRateLimiter_WindowResetsAfterDuration(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "reset", ratelimit.LimiterConfig{Points: 10, Duration: time.Second})

	_, err := limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)

	mr.FastForward(1100 * time.Millisecond)

	res, err := limiter.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, res)

	res2, err := limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res2.RemainingPoints)
	assert.True(t, res2.IsFirstInDuration)
}

func TestRateLimiter_WindowIsFixed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := storage.NewMemoryStore(clock.Now)
	limiter := ratelimit.NewRateLimiter(store, "", "fixed", ratelimit.LimiterConfig{Points: 10, Duration: time.Second})

	_, err := limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)

	// later consumption does not extend the window
	clock.Advance(600 * time.Millisecond)
	res, err := limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(400), res.MsBeforeNext)

	_, err = limiter.Consume(ctx, "key", 1)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	clock.Advance(401 * time.Millisecond)
	res, err = limiter.Consume(ctx, "key", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, res.RemainingPoints)
	assert.Equal(t, int64(1000), res.MsBeforeNext)
}

func TestRateLimiter_GetDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "get", ratelimit.LimiterConfig{Points: 10, Duration: time.Minute})

	res, err := limiter.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = limiter.Consume(ctx, "key", 2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err = limiter.Get(ctx, "key")
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 8, res.RemainingPoints)
	}
}

func TestRateLimiter_ConcurrentConsumersNeverOverAdmit(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "concurrent", ratelimit.LimiterConfig{Points: 10, Duration: time.Minute})

	var admitted, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := limiter.Consume(ctx, "hot", 1)
			switch {
			case err == nil:
				atomic.AddInt64(&admitted, 1)
			case errors.Is(err, ratelimit.ErrRateLimitExceeded):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted)
	assert.Equal(t, int64(30), rejected)

	res, err := limiter.Get(ctx, "hot")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 10, res.ConsumedPoints)
}

func TestRateLimiter_PenaltyRewardDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "adjust", ratelimit.LimiterConfig{Points: 10, Duration: time.Minute})

	res, err := limiter.Penalty(ctx, "key", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, res.ConsumedPoints)
	assert.Equal(t, 0, res.RemainingPoints)

	_, err = limiter.Consume(ctx, "key", 1)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	res, err = limiter.Reward(ctx, "key", 5)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ConsumedPoints)
	assert.Equal(t, 3, res.RemainingPoints)

	res, err = limiter.Reward(ctx, "key", 50)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ConsumedPoints)
	assert.Equal(t, 10, res.RemainingPoints)

	require.NoError(t, limiter.Delete(ctx, "key"))
	snapshot, err := limiter.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestRateLimiter_RejectsNonPositivePoints(t *testing.T) {
	ctx := context.Background()
	limiter := ratelimit.NewRateLimiter(storage.NewMemoryStore(nil), "", "n", ratelimit.LimiterConfig{Points: 1, Duration: time.Minute})

	_, err := limiter.Consume(ctx, "key", 0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPoints)
	_, err = limiter.Penalty(ctx, "key", -1)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPoints)
	_, err = limiter.Reward(ctx, "key", 0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidPoints)
}

func TestRateLimiter_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "down", ratelimit.LimiterConfig{Points: 10, Duration: time.Minute})

	mr.SetError("ERR store down")
	_, err := limiter.Consume(ctx, "key", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	_, err = limiter.Get(ctx, "key")
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)

	mr.SetError("")
	res, err := limiter.Consume(ctx, "key", 1)
	require.NoError(t, err)
	assert.Equal(t, 9, res.RemainingPoints)
}

func TestRateLimiter_CancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store, mr := newRedisStore(t)
	limiter := ratelimit.NewRateLimiter(store, "ratelimit", "cancel", ratelimit.LimiterConfig{Points: 10, Duration: time.Minute})

	_, err := limiter.Consume(ctx, "key", 1)
	assert.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.False(t, mr.Exists("ratelimit:cancel:key"))
}

func TestTestSuiteLimiter_FullContract(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)
	limiter := registry.GetRateLimiter("scrape", "test-prefix:a01ccae", "free")

	res, err := limiter.Consume(ctx, "test-prefix:a01ccae", 25)
	require.NoError(t, err)
	assert.Equal(t, 25, res.ConsumedPoints)
	assert.Equal(t, 9975, res.RemainingPoints)

	snapshot, err := limiter.Get(ctx, "test-prefix:a01ccae")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 9975, snapshot.RemainingPoints)

	prod, err := registry.GetRateLimiter("scrape", "someone-else", "free").Get(ctx, "test-prefix:a01ccae")
	require.NoError(t, err)
	assert.Nil(t, prod)
}
