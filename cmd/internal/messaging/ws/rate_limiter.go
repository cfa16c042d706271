package ws

import (
	"sync"
	"time"
)

// RateLimiter caps events per connection over a sliding window.
// Timestamps arrive in order, so expiry only ever trims a prefix.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time // admitted events, oldest first
}

// NewRateLimiter constructs a RateLimiter, substituting defaults for
// invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		times:  make([]time.Time, 0, limit),
	}
}

// Allow reports whether an event at "now" fits inside the window, and
// records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.times) && !r.times[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.times = append(r.times[:0], r.times[expired:]...)
	}

	if len(r.times) >= r.limit {
		return false
	}
	r.times = append(r.times, now)
	return true
}
