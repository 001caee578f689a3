package ratelimit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-analyzer/internal/joberr"
	"github.com/tendant/simple-analyzer/internal/ratelimit"
	"github.com/tendant/simple-analyzer/pkg/schema"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func fiveAMinute() ratelimit.Rules {
	return ratelimit.Rules{Global: ratelimit.Rule{Capacity: 5, Window: time.Minute}}
}

// -----------------------------------------------------------------------------
// Limiter
// -----------------------------------------------------------------------------

func TestLimiter_FivePerMinute(t *testing.T) {
	t.Parallel()
	now := t0
	l := ratelimit.NewLimiter(fiveAMinute(), ratelimit.NewMemoryStore(),
		ratelimit.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, ratelimit.Subject{})
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
	}

	d, err := l.Allow(ctx, ratelimit.Subject{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ScopeGlobal, d.Scope)
	assert.InDelta(t, 12*time.Second, d.RetryAfter, float64(10*time.Millisecond))

	now = now.Add(12 * time.Second)
	d, err = l.Allow(ctx, ratelimit.Subject{})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one token refilled after 12s")
}

func TestLimiter_RejectionConsumesNothing(t *testing.T) {
	t.Parallel()
	now := t0
	store := ratelimit.NewMemoryStore()
	l := ratelimit.NewLimiter(ratelimit.Rules{
		Global: ratelimit.Rule{Capacity: 100, Window: time.Minute},
		User:   ratelimit.Rule{Capacity: 1, Window: time.Hour},
	}, store, ratelimit.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	d, _ := l.Allow(ctx, ratelimit.Subject{UserID: "u1"})
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, ratelimit.Subject{UserID: "u1"})
	require.False(t, d.Allowed)
	assert.Equal(t, ratelimit.ScopeUser, d.Scope)

	assert.InDelta(t, 99, store.Tokens("global", now), 0.001, "rejected request must not spend a global token")

	d, _ = l.Allow(ctx, ratelimit.Subject{UserID: "u2"})
	assert.True(t, d.Allowed, "other users are unaffected")
}

func TestLimiter_StoreErrorFailsOpen(t *testing.T) {
	t.Parallel()
	l := ratelimit.NewLimiter(fiveAMinute(), brokenStore{})
	d, err := l.Allow(context.Background(), ratelimit.Subject{UserID: "u"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type brokenStore struct{}

func (brokenStore) Take(context.Context, time.Time, []ratelimit.BucketSpec) (ratelimit.TakeResult, error) {
	return ratelimit.TakeResult{}, errors.New("redis down")
}

// -----------------------------------------------------------------------------
// Bucket invariants
// -----------------------------------------------------------------------------

func TestMemoryStore_TokensStayWithinCapacity(t *testing.T) {
	t.Parallel()
	store := ratelimit.NewMemoryStore()
	spec := ratelimit.BucketSpec{Key: "k", Capacity: 3, Window: time.Second}
	ctx := context.Background()

	now := t0
	for i := 0; i < 20; i++ {
		_, err := store.Take(ctx, now, []ratelimit.BucketSpec{spec})
		require.NoError(t, err)
		tokens := store.Tokens("k", now)
		assert.GreaterOrEqual(t, tokens, 0.0)
		assert.LessOrEqual(t, tokens, 3.0)
		now = now.Add(97 * time.Millisecond)
	}

	now = now.Add(time.Hour)
	assert.InDelta(t, 3.0, store.Tokens("k", now), 1e-9)
}

func TestMemoryStore_FullAfterOneWindow(t *testing.T) {
	t.Parallel()
	store := ratelimit.NewMemoryStore()
	spec := ratelimit.BucketSpec{Key: "k", Capacity: 5, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := store.Take(ctx, t0, []ratelimit.BucketSpec{spec})
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	assert.InDelta(t, 0, store.Tokens("k", t0), 1e-9)
	assert.InDelta(t, 5, store.Tokens("k", t0.Add(time.Minute)), 1e-9)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	t.Parallel()
	store := ratelimit.NewMemoryStore()
	spec := ratelimit.BucketSpec{Key: "idle", Capacity: 1, Window: time.Minute}
	_, _ = store.Take(context.Background(), t0, []ratelimit.BucketSpec{spec})

	assert.Equal(t, 0, store.Cleanup(t0.Add(time.Minute)))
	assert.Equal(t, 1, store.Cleanup(t0.Add(3*time.Minute)))
	assert.Equal(t, -1.0, store.Tokens("idle", t0))
}

func TestRedisStore_FivePerMinute(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := ratelimit.NewRedisStore(rdb, "test:")
	spec := ratelimit.BucketSpec{Key: "global", Capacity: 5, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := store.Take(ctx, t0, []ratelimit.BucketSpec{spec})
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := store.Take(ctx, t0, []ratelimit.BucketSpec{spec})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 12*time.Second, res.RetryAfter)

	res, err = store.Take(ctx, t0.Add(time.Minute), []ratelimit.BucketSpec{spec})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, mr.Exists("test:bucket:global"))
}

func TestRedisStore_AllOrNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := ratelimit.NewRedisStore(rdb, "test:")
	wide := ratelimit.BucketSpec{Key: "global", Capacity: 10, Window: time.Minute}
	narrow := ratelimit.BucketSpec{Key: "user:u1", Capacity: 1, Window: time.Hour}
	ctx := context.Background()

	res, err := store.Take(ctx, t0, []ratelimit.BucketSpec{wide, narrow})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Take(ctx, t0, []ratelimit.BucketSpec{wide, narrow})
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, 1, res.Failed)

	tokens, err := rdb.HGet(ctx, "test:bucket:global", "tokens").Float64()
	require.NoError(t, err)
	assert.InDelta(t, 9, tokens, 1e-9)
}

// -----------------------------------------------------------------------------
// Provider gate
// -----------------------------------------------------------------------------

func TestProviderGate_ExhaustedReturnsRateLimited(t *testing.T) {
	t.Parallel()
	gate := ratelimit.NewProviderGate(ratelimit.GateConfig{
		Rule:        ratelimit.Rule{Capacity: 1, Window: time.Hour},
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, ratelimit.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	require.NoError(t, gate.Wait(ctx))
	err := gate.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, schema.FailureTypeRateLimited, joberr.KindOf(err))
	assert.Greater(t, joberr.RetryAfterOf(err), 59*time.Minute)
}

func TestProviderGate_ContextCanceled(t *testing.T) {
	t.Parallel()
	gate := ratelimit.NewProviderGate(ratelimit.GateConfig{
		Rule:        ratelimit.Rule{Capacity: 1, Window: time.Hour},
		MaxAttempts: 10,
		BaseDelay:   time.Second,
	}, ratelimit.NewMemoryStore(), nil, nil)

	require.NoError(t, gate.Wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, gate.Wait(ctx), context.Canceled)
}
