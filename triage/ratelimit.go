package triage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of classifications allowed per caller per
	// hour window.
	DefaultRateLimit = 10

	// staleBucketTTL is how long an idle counter survives before the sweep
	// drops it.
	staleBucketTTL = 2 * time.Hour

	sweepInterval = 10 * time.Minute
)

// Limiter enforces the per-caller classification budget. Implementations must
// be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, userID string) error
}

type window struct {
	start time.Time
	count int
}

// MemoryLimiter is a fixed-window counter keyed by caller. The window is the
// current clock hour, so the budget resets on the hour boundary.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     int
	windows   map[string]*window
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &MemoryLimiter{
		limit:   limit,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow consumes one unit of the caller's hourly budget.
func (l *MemoryLimiter) Allow(_ context.Context, userID string) error {
	now := l.now()
	hour := now.Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweepLocked(now)
		l.lastSweep = now
	}

	w, ok := l.windows[userID]
	if !ok || !w.start.Equal(hour) {
		w = &window{start: hour}
		l.windows[userID] = w
	}
	if w.count >= l.limit {
		return fmt.Errorf("%w: %d per hour", ErrRateLimitExceeded, l.limit)
	}
	w.count++
	return nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for id, w := range l.windows {
		if now.Sub(w.start) > staleBucketTTL {
			delete(l.windows, id)
		}
	}
}
