package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func backends(t *testing.T, clk *clock) map[string]Limiter {
	return map[string]Limiter{
		"memory": NewMemory().WithClock(clk.now),
		"redis":  NewRedis(newTestRedis(t), "test:").WithClock(clk.now),
	}
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	rule := Rule{Limit: 5, Window: 60 * time.Second}

	for name := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			l := backends(t, clk)[name]

			for i := 0; i < 5; i++ {
				res, err := l.Allow(ctx, "k", rule)
				require.NoError(t, err)
				require.True(t, res.Allowed, "request %d", i+1)
				assert.Equal(t, 4-i, res.Remaining)
				clk.advance(time.Second)
			}

			res, err := l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
			assert.Equal(t, 55*time.Second+time.Millisecond, res.RetryAfter)

			// at 61s the 0s request is gone; the 1s request sits on the edge and still counts
			clk.advance(56 * time.Second)
			res, err = l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
		})
	}
}

func TestDeniedRequestsAreNotCounted(t *testing.T) {
	ctx := context.Background()
	rule := Rule{Limit: 2, Window: 10 * time.Second}

	for name := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			l := backends(t, clk)[name]

			for i := 0; i < 2; i++ {
				res, err := l.Allow(ctx, "k", rule)
				require.NoError(t, err)
				require.True(t, res.Allowed)
			}
			// hammering while limited must not extend the block
			for i := 0; i < 9; i++ {
				clk.advance(time.Second)
				res, err := l.Allow(ctx, "k", rule)
				require.NoError(t, err)
				require.False(t, res.Allowed)
			}
			// at exactly +10s both requests are still inside the closed window
			clk.advance(time.Second)
			res, err := l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.False(t, res.Allowed)

			clk.advance(time.Second)
			res, err = l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		})
	}
}

func TestWindowEdgeStillCounts(t *testing.T) {
	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Minute}

	for name := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			clk := newClock()
			l := backends(t, clk)[name]

			res, err := l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			require.True(t, res.Allowed)
			assert.Equal(t, clk.now().Add(time.Minute+time.Millisecond), res.ResetAt)

			clk.advance(time.Minute)
			res, err = l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.False(t, res.Allowed, "a request exactly one window old still counts")
			assert.Equal(t, time.Millisecond, res.RetryAfter)

			clk.advance(time.Millisecond)
			res, err = l.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		})
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	rule := Rule{Limit: 1, Window: time.Minute}

	for name, l := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			a, err := l.Allow(ctx, Key(RouteLogin, "1.2.3.4|aaaa"), rule)
			require.NoError(t, err)
			b, err := l.Allow(ctx, Key(RouteLogin, "5.6.7.8|aaaa"), rule)
			require.NoError(t, err)
			c, err := l.Allow(ctx, Key(RouteRefresh, "1.2.3.4|aaaa"), rule)
			require.NoError(t, err)
			assert.True(t, a.Allowed && b.Allowed && c.Allowed)
		})
	}
}

func TestConcurrentChecksNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	rule := Rule{Limit: 10, Window: time.Minute}

	for name, l := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Allow(ctx, "hot", rule)
					if err == nil && res.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(10), allowed.Load())
		})
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := NewMemory().WithClock(clk.now)
	rule := Rule{Limit: 3, Window: time.Minute}

	_, _ = m.Allow(ctx, "old", rule)
	clk.advance(30 * time.Second)
	_, _ = m.Allow(ctx, "new", rule)
	require.Equal(t, 2, m.Len())

	assert.Equal(t, 1, m.Sweep(clk.now().Add(31*time.Second)))
	assert.Equal(t, 1, m.Len())

	res, err := m.Allow(ctx, "old", rule)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestZeroLimitDenies(t *testing.T) {
	for name, l := range backends(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			res, err := l.Allow(context.Background(), "k", Rule{Limit: 0, Window: time.Minute})
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, time.Minute+time.Millisecond, res.RetryAfter)
		})
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	_, err := NewRedis(rdb, "").Allow(context.Background(), "k", Rule{Limit: 1, Window: time.Second})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("login=5/15m, refresh=5/1m,register=3/1h")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
	assert.Equal(t, "login=5/15m0s,refresh=5/1m0s,register=3/1h0m0s", p.String())

	for _, bad := range []string{"", "login", "login=5", "login=x/1m", "login=0/1m", "login=5/soon", "login=5/-1m", "login=1/1m,login=2/1m"} {
		_, err := ParsePolicy(bad)
		assert.Error(t, err, bad)
	}
}

func TestClientIdentity(t *testing.T) {
	id := ClientIdentity("10.0.0.1", "Mozilla/5.0")
	assert.Regexp(t, `^10\.0\.0\.1\|[0-9a-f]{8}$`, id)
	assert.Equal(t, id, ClientIdentity("10.0.0.1", "Mozilla/5.0"))
	assert.NotEqual(t, id, ClientIdentity("10.0.0.1", "curl/8.0"))
	assert.NotEqual(t, id, ClientIdentity("10.0.0.2", "Mozilla/5.0"))
}
