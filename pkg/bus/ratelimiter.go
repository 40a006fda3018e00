package bus

import (
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter is a per-sender sliding window limiter
type RateLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	requests map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter allows limit messages per sender within window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	r := &RateLimiter{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
	r.SetLimit(limit, window)
	return r
}

// SetLimit changes the limit. Existing history is kept.
func (r *RateLimiter) SetLimit(limit int, window time.Duration) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}

	r.mu.Lock()
	r.max = limit
	r.window = window
	r.mu.Unlock()
}

// Limit returns the current max and window
func (r *RateLimiter) Limit() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max, r.window
}

// Allow records a message from sender if it fits in the window
func (r *RateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.prune(sender, now)
	if len(recent) >= r.max {
		r.requests[sender] = recent
		return false
	}
	r.requests[sender] = append(recent, now)
	return true
}

// Remaining returns how many more messages sender may send right now
func (r *RateLimiter) Remaining(sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.prune(sender, r.now())
	r.requests[sender] = recent
	return r.max - len(recent)
}

// Cleanup drops senders with no messages inside the window
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for sender := range r.requests {
		if recent := r.prune(sender, now); len(recent) == 0 {
			delete(r.requests, sender)
		} else {
			r.requests[sender] = recent
		}
	}
}

// prune returns the sender's timestamps still inside the window; caller holds mu
func (r *RateLimiter) prune(sender string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	times := r.requests[sender]
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
