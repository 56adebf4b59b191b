package infra

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
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

var postQuota = domain.Quota{Category: domain.CategoryPostCreation, Window: time.Minute, Limit: 5}

func TestWindowStore_ConsumesDownToZeroThenRejects(t *testing.T) {
	clock := newFakeClock()
	s := NewWindowStore(WithClock(clock.Now))
	ctx := context.Background()

	for i := 4; i >= 0; i-- {
		c, err := s.TryConsume(ctx, "u1", postQuota, 1)
		require.NoError(t, err)
		require.True(t, c.Allowed)
		assert.Equal(t, i, c.State.Remaining)
		assert.Equal(t, c.State.Limit, c.State.Remaining+c.State.Used)
	}

	c, err := s.TryConsume(ctx, "u1", postQuota, 1)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, 0, c.State.Remaining)
	assert.Equal(t, 5, c.State.Used)
	assert.Equal(t, clock.Now().Add(time.Minute), c.State.ResetAt)
}

func TestWindowStore_RejectsWithoutPartialConsumption(t *testing.T) {
	s := NewWindowStore(WithClock(newFakeClock().Now))
	ctx := context.Background()

	_, err := s.TryConsume(ctx, "u1", postQuota, 3)
	require.NoError(t, err)

	c, err := s.TryConsume(ctx, "u1", postQuota, 3)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, 2, c.State.Remaining)

	c, err = s.TryConsume(ctx, "u1", postQuota, 2)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, 0, c.State.Remaining)
}

func TestWindowStore_ResetsAfterWindow(t *testing.T) {
	clock := newFakeClock()
	s := NewWindowStore(WithClock(clock.Now))
	ctx := context.Background()

	for range 5 {
		_, err := s.TryConsume(ctx, "u1", postQuota, 1)
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)

	c, err := s.TryConsume(ctx, "u1", postQuota, 1)
	require.NoError(t, err)
	require.True(t, c.Allowed)
	assert.Equal(t, 4, c.State.Remaining)
	assert.Equal(t, 1, c.State.Used)
	assert.Equal(t, clock.Now().Add(time.Minute), c.State.ResetAt)
}

func TestWindowStore_ClockGoingBackwardsDoesNotReset(t *testing.T) {
	clock := newFakeClock()
	s := NewWindowStore(WithClock(clock.Now))
	ctx := context.Background()

	for range 5 {
		_, err := s.TryConsume(ctx, "u1", postQuota, 1)
		require.NoError(t, err)
	}

	clock.Advance(-2 * time.Hour)

	c, err := s.TryConsume(ctx, "u1", postQuota, 1)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
}

func TestWindowStore_KeysAndCategoriesAreIsolated(t *testing.T) {
	s := NewWindowStore(WithClock(newFakeClock().Now))
	ctx := context.Background()

	for range 5 {
		_, err := s.TryConsume(ctx, "u1", postQuota, 1)
		require.NoError(t, err)
	}

	c, err := s.TryConsume(ctx, "u2", postQuota, 1)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, 4, c.State.Remaining)

	followQuota := domain.Quota{Category: domain.CategoryFollow, Window: time.Hour, Limit: 20}
	c, err = s.TryConsume(ctx, "u1", followQuota, 1)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, 19, c.State.Remaining)
}

func TestWindowStore_InvalidArguments(t *testing.T) {
	s := NewWindowStore()
	ctx := context.Background()

	_, err := s.TryConsume(ctx, "u1", postQuota, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCost)

	_, err = s.TryConsume(ctx, "u1", domain.Quota{Category: domain.CategoryFollow}, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidQuota)

	_, err = s.GetOrCreate("u1", domain.Quota{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuota)
}

func TestWindowStore_GetOrCreateDoesNotConsume(t *testing.T) {
	s := NewWindowStore(WithClock(newFakeClock().Now))

	st, err := s.GetOrCreate("u1", postQuota)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Remaining)
	assert.Equal(t, 0, st.Used)

	again, err := s.GetOrCreate("u1", postQuota)
	require.NoError(t, err)
	assert.Equal(t, st, again)
}

func TestWindowStore_PeekIsReadOnly(t *testing.T) {
	clock := newFakeClock()
	s := NewWindowStore(WithClock(clock.Now))
	ctx := context.Background()

	st, err := s.Peek(ctx, "u1", domain.CategoryPostCreation)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Equal(t, 0, s.Len())

	_, err = s.TryConsume(ctx, "u1", postQuota, 1)
	require.NoError(t, err)

	st, err = s.Peek(ctx, "u1", domain.CategoryPostCreation)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 4, st.Remaining)

	// mutar a cópia não afeta a store
	st.Remaining = 0
	again, err := s.Peek(ctx, "u1", domain.CategoryPostCreation)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Remaining)

	clock.Advance(time.Minute)
	st, err = s.Peek(ctx, "u1", domain.CategoryPostCreation)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestWindowStore_CleanupRemovesExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	s := NewWindowStore(WithClock(clock.Now), WithRetention(5*time.Minute), WithCleanupEvery(0))
	ctx := context.Background()

	_, err := s.TryConsume(ctx, "u1", postQuota, 1)
	require.NoError(t, err)
	_, err = s.TryConsume(ctx, "u2", domain.Quota{Category: domain.CategoryFollow, Window: time.Hour, Limit: 20}, 1)
	require.NoError(t, err)

	clock.Advance(time.Minute + 5*time.Minute)
	assert.Equal(t, 0, s.Cleanup(), "expired but still inside retention")

	clock.Advance(time.Second)
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, 1, s.Len())
}

func TestWindowStore_ConcurrentConsumeNeverOvershoots(t *testing.T) {
	s := NewWindowStore()
	ctx := context.Background()
	quota := domain.Quota{Category: domain.CategoryFollow, Window: time.Hour, Limit: 20}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.TryConsume(ctx, "u2", quota, 1)
			if err == nil && c.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), allowed.Load())
	st, err := s.Peek(ctx, "u2", domain.CategoryFollow)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Remaining)
	assert.Equal(t, 20, st.Used)
}

func TestWindowStore_JanitorStopsWithContext(t *testing.T) {
	s := NewWindowStore(WithRetention(0), WithCleanupEvery(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.TryConsume(ctx, "u1", domain.Quota{Category: domain.CategoryAuthentication, Window: time.Millisecond, Limit: 1}, 1)
	require.NoError(t, err)

	s.StartJanitor(ctx)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}
