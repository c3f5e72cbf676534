package apiclient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most Capacity requests in any sliding Window. Requests
// also draw from a token bucket refilled at Capacity/Window, which spreads
// bursts out once the initial allowance is spent.
type Limiter struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	bucket *rate.Limiter
	// stamps holds admission times within the current window, oldest first.
	stamps []time.Time
}

// NewLimiter returns a limiter for capacity requests per window.
func NewLimiter(capacity int, window time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 250
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		capacity: capacity,
		window:   window,
		now:      time.Now,
		bucket:   rate.NewLimiter(rate.Every(window/time.Duration(capacity)), capacity),
		stamps:   make([]time.Time, 0, capacity),
	}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// reserve admits one request at the current time, or reports how long to
// wait before trying again. Pruning, the check and the bucket draw happen
// under one lock.
func (l *Limiter) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.stamps) && !l.stamps[drop].After(cutoff) {
		drop++
	}
	l.stamps = l.stamps[drop:]

	if len(l.stamps) >= l.capacity {
		return false, l.stamps[0].Add(l.window).Sub(now)
	}

	r := l.bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, l.window
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	l.stamps = append(l.stamps, now)
	return true, 0
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, wait := l.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InWindow reports how many requests were admitted in the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range l.stamps {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
