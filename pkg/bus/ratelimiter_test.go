package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	r := NewRateLimiter(2, 10*time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	now = now.Add(5 * time.Second)
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
	assert.Equal(t, 0, r.Remaining("a"))

	// the first message leaves the window
	now = now.Add(5*time.Second + time.Millisecond)
	assert.Equal(t, 1, r.Remaining("a"))
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))
}

func TestRateLimiter_SetLimit(t *testing.T) {
	r := NewRateLimiter(1, time.Minute)
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"))

	r.SetLimit(3, time.Minute)
	limit, window := r.Limit()
	assert.Equal(t, 3, limit)
	assert.Equal(t, time.Minute, window)
	assert.True(t, r.Allow("a"))

	r.SetLimit(0, 0)
	limit, window = r.Limit()
	assert.Equal(t, DefaultRateLimit, limit)
	assert.Equal(t, DefaultRateWindow, window)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	r := NewRateLimiter(5, time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Allow("a")
	r.Allow("b")
	now = now.Add(2 * time.Second)
	r.Allow("b")
	r.Cleanup()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.NotContains(t, r.requests, "a")
	assert.Contains(t, r.requests, "b")
}
