package governance

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newLimiter(rps, burst int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: rps, BurstSize: burst})
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl, clock := newLimiter(2, 3)

	for i := 0; i < 3; i++ {
		ok, remaining := rl.Allow("acme/weather")
		require.True(t, ok, "request %d within burst", i)
		assert.Equal(t, 2-i, remaining)
	}
	ok, _ := rl.Allow("acme/weather")
	assert.False(t, ok)

	ok, _ = rl.Allow("acme/other")
	assert.True(t, ok, "routes have independent buckets")

	clock.Advance(500 * time.Millisecond)
	ok, _ = rl.Allow("acme/weather")
	assert.True(t, ok, "one token refilled after half a second at 2 rps")
	ok, _ = rl.Allow("acme/weather")
	assert.False(t, ok)
}

func TestRateLimiterForget(t *testing.T) {
	rl, _ := newLimiter(1, 1)

	ok, _ := rl.Allow("k")
	require.True(t, ok)
	ok, _ = rl.Allow("k")
	require.False(t, ok)

	rl.Forget("k")
	ok, _ = rl.Allow("k")
	assert.True(t, ok)
	assert.Contains(t, rl.Stats(), "k")
}

func TestRateLimiterDisabled(t *testing.T) {
	var nilLimiter *RateLimiter
	ok, remaining := nilLimiter.Allow("k")
	assert.True(t, ok)
	assert.Equal(t, -1, remaining)
	nilLimiter.Forget("k")

	rl := NewRateLimiter(RateLimiterConfig{})
	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("k")
		require.True(t, ok)
	}
	assert.Empty(t, rl.Stats())
}

func TestRateLimiterBurstDefaultsToRate(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 4})
	assert.Equal(t, 4, rl.Config().BurstSize)
}

func TestRateLimiterNeverExceedsBudget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rps := rapid.IntRange(1, 20).Draw(t, "rps")
		burst := rapid.IntRange(1, 20).Draw(t, "burst")
		rl, clock := newLimiter(rps, burst)

		var allowed int
		var elapsed time.Duration
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			step := time.Duration(rapid.IntRange(0, 100).Draw(t, "stepMs")) * time.Millisecond
			clock.Advance(step)
			elapsed += step
			if ok, _ := rl.Allow("k"); ok {
				allowed++
			}
		}

		budget := float64(burst) + elapsed.Seconds()*float64(rps)
		if float64(allowed) > budget+1e-6 {
			t.Fatalf("allowed %d requests, budget %.2f", allowed, budget)
		}
	})
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec, 10, 3, time.Unix(1_700_000_001, 0))

	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000001", rec.Header().Get("X-RateLimit-Reset"))
}
