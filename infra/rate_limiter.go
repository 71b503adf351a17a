package infra

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits at most Capacity calls in any trailing Window.
// Callers block in Wait until a slot frees up.
type RateLimiter struct {
	Capacity int
	Window   time.Duration

	mu     sync.Mutex
	grants []time.Time
	now    func() time.Time
}

func NewRateLimiter(capacity int, window time.Duration) *RateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		Capacity: capacity,
		Window:   window,
		now:      time.Now,
	}
}

// Wait blocks until the call may proceed or ctx is done.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		delay, ok := l.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records a grant when a slot is free, otherwise returns how long until the oldest grant expires.
func (l *RateLimiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.Window)
	expired := 0
	for expired < len(l.grants) && !l.grants[expired].After(cutoff) {
		expired++
	}
	l.grants = l.grants[expired:]

	if len(l.grants) < l.Capacity {
		l.grants = append(l.grants, now)
		return 0, true
	}

	return l.grants[0].Add(l.Window).Sub(now), false
}

// InFlight returns the number of grants inside the current window.
func (l *RateLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.Window)
	n := 0
	for _, g := range l.grants {
		if g.After(cutoff) {
			n++
		}
	}
	return n
}
