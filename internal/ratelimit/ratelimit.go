// Package ratelimit implements a per-client fixed-window request counter.
// Windows are aligned to multiples of the reset interval since the Unix
// epoch, so every client shares the same reset instants.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Defaults used when the limiter is built from zero values.
const (
	DefaultMaxRequests   = 5
	DefaultResetInterval = 20 * time.Second
)

// Throttle carries what a caller needs to build a throttling response.
type Throttle struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter counts requests per client within the current window.
type Limiter struct {
	max      int
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	counts map[string]int
}

// New creates a Limiter allowing max requests per client per interval.
func New(max int, interval time.Duration) *Limiter {
	if max < 1 {
		max = DefaultMaxRequests
	}
	if interval <= 0 {
		interval = DefaultResetInterval
	}
	return &Limiter{
		max:      max,
		interval: interval,
		now:      time.Now,
		counts:   make(map[string]int),
	}
}

// Limit returns the per-window request allowance.
func (l *Limiter) Limit() int {
	return l.max
}

// Interval returns the window length.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Allow counts a request from client and reports whether it is within the
// allowance. Rejected requests are not counted.
func (l *Limiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[client] >= l.max {
		return false
	}
	l.counts[client]++
	return true
}

// Reset clears every counter.
func (l *Limiter) Reset() {
	l.mu.Lock()
	clear(l.counts)
	l.mu.Unlock()
}

// NextReset returns the first window boundary strictly after now.
func (l *Limiter) NextReset(now time.Time) time.Time {
	iv := l.interval.Nanoseconds()
	next := (now.UnixNano()/iv + 1) * iv
	return time.Unix(0, next).UTC()
}

// Throttle describes the rejection of a request made at now. RetryAfter is
// rounded up to whole seconds and is at least one second.
func (l *Limiter) Throttle(now time.Time) Throttle {
	reset := l.NextReset(now)
	retry := reset.Sub(now)
	if rem := retry % time.Second; rem != 0 {
		retry += time.Second - rem
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Throttle{
		Limit:      l.max,
		Remaining:  0,
		Reset:      reset,
		RetryAfter: retry,
	}
}

// Run resets the counters at every window boundary until ctx is cancelled.
// Each wait is computed from the clock, so resets do not drift.
func (l *Limiter) Run(ctx context.Context) {
	timer := time.NewTimer(l.untilNextReset())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			l.Reset()
			timer.Reset(l.untilNextReset())
		}
	}
}

func (l *Limiter) untilNextReset() time.Duration {
	now := l.now()
	return l.NextReset(now).Sub(now)
}
