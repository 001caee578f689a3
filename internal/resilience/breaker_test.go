package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-analyzer/internal/resilience"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

func newBreaker(store resilience.StateStore, clock *fakeClock) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:           "persistence",
		Threshold:      5,
		Cooldown:       30 * time.Second,
		TrialSuccesses: 3,
	}, store, resilience.WithBreakerClock(clock.Now))
}

// -----------------------------------------------------------------------------
// Breaker state machine
// -----------------------------------------------------------------------------

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newBreaker(resilience.NewMemoryStateStore(), clock)

	for i := 0; i < 4; i++ {
		b.Record(ctx, false)
		require.NoError(t, b.Allow(ctx), "breaker opened after %d failures", i+1)
	}
	b.Record(ctx, false)
	assert.ErrorIs(t, b.Allow(ctx), resilience.ErrCircuitOpen)

	snap, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, resilience.StatusOpen, snap.Status)
	assert.Equal(t, clock.Now(), snap.OpenedAt)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	ctx := context.Background()
	b := newBreaker(resilience.NewMemoryStateStore(), newFakeClock())

	for i := 0; i < 4; i++ {
		b.Record(ctx, false)
	}
	b.Record(ctx, true)
	for i := 0; i < 4; i++ {
		b.Record(ctx, false)
	}
	assert.NoError(t, b.Allow(ctx))
}

func TestBreaker_TrialClosesAfterSuccesses(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newBreaker(resilience.NewMemoryStateStore(), clock)

	for i := 0; i < 5; i++ {
		b.Record(ctx, false)
	}
	require.ErrorIs(t, b.Allow(ctx), resilience.ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow(ctx), "trial mode should let calls through")

	b.Record(ctx, true)
	b.Record(ctx, true)
	snap, _ := b.State(ctx)
	assert.Equal(t, resilience.StatusOpen, snap.Status)

	b.Record(ctx, true)
	snap, _ = b.State(ctx)
	assert.Equal(t, resilience.StatusClosed, snap.Status)
	assert.Zero(t, snap.Failures)
	assert.Zero(t, snap.Successes)

	// a fresh failure restarts counting from zero
	b.Record(ctx, false)
	snap, _ = b.State(ctx)
	assert.Equal(t, 1, snap.Failures)
	assert.NoError(t, b.Allow(ctx))
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newBreaker(resilience.NewMemoryStateStore(), clock)

	for i := 0; i < 5; i++ {
		b.Record(ctx, false)
	}
	clock.Advance(31 * time.Second)
	b.Record(ctx, true)
	b.Record(ctx, false)

	assert.ErrorIs(t, b.Allow(ctx), resilience.ErrCircuitOpen)
	snap, _ := b.State(ctx)
	assert.Equal(t, clock.Now(), snap.OpenedAt, "cooldown clock restarts")
	assert.Zero(t, snap.Successes)

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(ctx), resilience.ErrCircuitOpen)
	clock.Advance(time.Second)
	assert.NoError(t, b.Allow(ctx))
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

func TestClient_ShortCircuitsAfterFiveServerErrors(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := newBreaker(resilience.NewMemoryStateStore(), clock)
	client := resilience.NewClient(b, resilience.ClientConfig{MaxAttempts: 1, BaseDelay: time.Millisecond}, nil)

	attempts := 0
	call := func(context.Context) error {
		attempts++
		return statusErr(503)
	}

	for i := 0; i < 5; i++ {
		err := client.Do(ctx, "update job", call)
		var sc resilience.StatusCoder
		require.ErrorAs(t, err, &sc)
	}
	require.Equal(t, 5, attempts)

	err := client.Do(ctx, "update job", call)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 5, attempts, "sixth call must not reach the network")

	clock.Advance(10 * time.Second)
	err = client.Do(ctx, "update job", call)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 5, attempts)

	clock.Advance(20 * time.Second)
	ok := func(context.Context) error {
		attempts++
		return nil
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Do(ctx, "update job", ok))
	}
	snap, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, resilience.StatusClosed, snap.Status)
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	b := newBreaker(resilience.NewMemoryStateStore(), newFakeClock())
	client := resilience.NewClient(b, resilience.ClientConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	attempts := 0
	err := client.Do(context.Background(), "get job", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return statusErr(502)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestClient_NonRetryableReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	b := newBreaker(resilience.NewMemoryStateStore(), newFakeClock())
	client := resilience.NewClient(b, resilience.ClientConfig{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)

	attempts := 0
	for i := 0; i < 10; i++ {
		err := client.Do(ctx, "create result", func(context.Context) error {
			attempts++
			return statusErr(400)
		})
		require.Error(t, err)
	}
	assert.Equal(t, 10, attempts, "4xx responses are not retried")
	assert.NoError(t, b.Allow(ctx), "4xx responses do not trip the breaker")
}

func TestClient_CanceledContextNotRecorded(t *testing.T) {
	ctx := context.Background()
	b := newBreaker(resilience.NewMemoryStateStore(), newFakeClock())
	client := resilience.NewClient(b, resilience.ClientConfig{MaxAttempts: 1}, nil)

	for i := 0; i < 10; i++ {
		_ = client.Do(ctx, "get job", func(context.Context) error { return context.Canceled })
	}
	snap, err := b.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Failures)
}

// -----------------------------------------------------------------------------
// Shared state
// -----------------------------------------------------------------------------

func TestRedisStateStore_SharedBetweenBreakers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	clock := newFakeClock()
	store := resilience.NewRedisStateStore(rdb, "test:")
	a := newBreaker(store, clock)
	other := newBreaker(store, clock)

	for i := 0; i < 3; i++ {
		a.Record(ctx, false)
	}
	for i := 0; i < 2; i++ {
		other.Record(ctx, false)
	}

	assert.ErrorIs(t, a.Allow(ctx), resilience.ErrCircuitOpen)
	assert.ErrorIs(t, other.Allow(ctx), resilience.ErrCircuitOpen)
	assert.True(t, mr.Exists("test:breaker:persistence"))
}

type failingStore struct{}

func (failingStore) Load(context.Context, string) (resilience.Snapshot, error) {
	return resilience.Snapshot{}, errors.New("store down")
}

func (failingStore) Update(context.Context, string, func(*resilience.Snapshot)) (resilience.Snapshot, error) {
	return resilience.Snapshot{}, errors.New("store down")
}

func TestBreaker_StoreFailureAllows(t *testing.T) {
	b := newBreaker(failingStore{}, newFakeClock())
	assert.NoError(t, b.Allow(context.Background()))
	assert.NotPanics(t, func() { b.Record(context.Background(), false) })
}
