package router

import (
	"sync"
	"time"
)

// purgeThreshold bounds the window map; expired entries are swept once the
// map grows past it.
const purgeThreshold = 1024

type window struct {
	count   int
	resetAt time.Time
}

// windowLimiter is a fixed-window counter keyed by caller-supplied strings.
// A window admits up to its limit, then denies until the window expires;
// the counter never resets early.
type windowLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{windows: make(map[string]*window)}
}

// Allow records one hit against the key's current window and reports whether
// it is admitted, along with the instant the window resets.
func (l *windowLimiter) Allow(key string, limit int, d time.Duration) (bool, time.Time) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(d)}
		l.windows[key] = w
	}

	if w.count >= limit {
		return false, w.resetAt
	}
	w.count++

	if len(l.windows) > purgeThreshold {
		l.purgeLocked(now)
	}
	return true, w.resetAt
}

func (l *windowLimiter) purgeLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}
