package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// failureLimiter is a keyed sliding-window counter of failed logins.
// Only failures are recorded, so a well-behaved client is never throttled.
// Keys whose failures have all aged out are swept at most once per window.
type failureLimiter struct {
	mu        sync.Mutex
	events    map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func newFailureLimiter(limit int, window time.Duration) *failureLimiter {
	return &failureLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
	}
}

// Blocked reports whether key has reached the limit, and for how long.
func (l *failureLimiter) Blocked(key string, now time.Time) (bool, time.Duration) {
	if l == nil || l.limit <= 0 || key == "" {
		return false, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := l.pruneLocked(key, now)
	if len(ev) < l.limit {
		return false, 0
	}
	return true, ev[0].Add(l.window).Sub(now)
}

// Fail records a failure for key.
func (l *failureLimiter) Fail(key string, now time.Time) {
	if l == nil || l.limit <= 0 || key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[key] = append(l.pruneLocked(key, now), now)
	if now.Sub(l.lastSweep) >= l.window {
		l.sweepLocked(now)
	}
}

func (l *failureLimiter) sweepLocked(now time.Time) {
	for key := range l.events {
		l.pruneLocked(key, now)
	}
	l.lastSweep = now
}

func (l *failureLimiter) pruneLocked(key string, now time.Time) []time.Time {
	cut := now.Add(-l.window)
	ev := l.events[key]
	dst := ev[:0]
	for _, t := range ev {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	if len(dst) == 0 {
		delete(l.events, key)
		return nil
	}
	l.events[key] = dst
	return dst
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
