package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeClock はテスト用に進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFixedWindow_AllowsUpToLimitThenRejects(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fw := NewFixedWindow(60, WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		d, err := fw.Allow(ctx, 1)
		require.NoError(t, err)
		require.Truef(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 60-i, d.Remaining)
	}

	d, err := fw.Allow(ctx, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 60, d.Limit)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 1, 0, 0, time.UTC), d.ResetAt.UTC())
	assert.Equal(t, 55, d.RetryAfter(clock.Now()))
}

func TestFixedWindow_NewWindowResetsCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fw := NewFixedWindow(2, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = fw.Allow(ctx, 7)
	}
	d, _ := fw.Allow(ctx, 7)
	require.False(t, d.Allowed)

	clock.Advance(time.Minute)
	d, err := fw.Allow(ctx, 7)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestFixedWindow_UsersAreIndependent(t *testing.T) {
	t.Parallel()

	fw := NewFixedWindow(1, WithClock(newFakeClock().Now))
	ctx := context.Background()

	d1, _ := fw.Allow(ctx, 1)
	d2, _ := fw.Allow(ctx, 2)
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)

	d1, _ = fw.Allow(ctx, 1)
	assert.False(t, d1.Allowed)
}

func TestFixedWindow_BoundaryBurst(t *testing.T) {
	t.Parallel()

	// ウィンドウ終了直前と直後でそれぞれ上限まで通過する
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 59, 0, time.UTC)}
	fw := NewFixedWindow(5, WithClock(clock.Now))
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 5; i++ {
		if d, _ := fw.Allow(ctx, 1); d.Allowed {
			allowed++
		}
	}
	clock.Advance(2 * time.Second)
	for i := 0; i < 5; i++ {
		if d, _ := fw.Allow(ctx, 1); d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestFixedWindow_SweepRemovesPastWindows(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fw := NewFixedWindow(10, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = fw.Allow(ctx, 1)
	_, _ = fw.Allow(ctx, 2)
	clock.Advance(time.Minute)
	_, _ = fw.Allow(ctx, 1)
	require.Equal(t, 3, fw.Len())

	assert.Equal(t, 2, fw.Sweep())
	assert.Equal(t, 1, fw.Len())
}

func TestFixedWindow_StartJanitor(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fw := NewFixedWindow(10, WithClock(clock.Now))
	_, _ = fw.Allow(context.Background(), 1)
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.StartJanitor(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return fw.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFixedWindow_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	const limit = 50
	fw := NewFixedWindow(limit, WithClock(newFakeClock().Now))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, _ := fw.Allow(context.Background(), 1); d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), allowed.Load())
}

func TestFixedWindow_QuotaProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 100).Draw(rt, "limit")
		requests := rapid.IntRange(1, 300).Draw(rt, "requests")

		clock := newFakeClock()
		fw := NewFixedWindow(limit, WithClock(clock.Now))

		for i := 1; i <= requests; i++ {
			d, err := fw.Allow(context.Background(), 1)
			if err != nil {
				rt.Fatalf("unexpected error: %v", err)
			}
			if d.Allowed != (i <= limit) {
				rt.Fatalf("request %d/%d: allowed=%v with limit %d", i, requests, d.Allowed, limit)
			}
		}

		clock.Advance(time.Minute)
		d, _ := fw.Allow(context.Background(), 1)
		if !d.Allowed {
			rt.Fatalf("first request of a new window must be allowed")
		}
	})
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"fixed_window", "token_bucket", "redis"} {
		got, err := ParseStrategy(s)
		require.NoError(t, err)
		assert.Equal(t, Strategy(s), got)
	}

	_, err := ParseStrategy("leaky_bucket")
	assert.Error(t, err)
}

func TestDecision_RetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, Decision{ResetAt: now}.RetryAfter(now))
	assert.Equal(t, 1, Decision{ResetAt: now.Add(200 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, 2, Decision{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
	assert.Equal(t, 30, Decision{ResetAt: now.Add(30 * time.Second)}.RetryAfter(now))
}
