package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-connection token bucket over inbound events.
// A full bucket allows a burst of limit events; it refills at limit per window.
type RateLimiter struct {
	l *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	def := DefaultConfig()
	if limit <= 0 {
		limit = def.RateEvents
	}
	if window <= 0 {
		window = def.RateWindow
	}
	every := window / time.Duration(limit)
	return &RateLimiter{l: rate.NewLimiter(rate.Every(every), limit)}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.l.AllowN(now, 1)
}
