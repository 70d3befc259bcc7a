package ratelimit

import (
	"context"
	"time"
)

// WindowLimiter enforces a per-source request budget over a sliding one
// minute window, plus a minimum gap between consecutive requests.
//
// It is owned by a single adapter and is not safe for concurrent use; each
// adapter runs its requests sequentially behind its own limiter.
type WindowLimiter struct {
	limit  int
	window time.Duration
	minGap time.Duration

	times []time.Time
	last  time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewWindowLimiter builds a limiter admitting at most limit requests per
// window. limit <= 0 disables the window check; minGap <= 0 disables the gap.
func NewWindowLimiter(limit int, window, minGap time.Duration) *WindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLimiter{
		limit:  limit,
		window: window,
		minGap: minGap,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Admit reports whether a request may proceed right now and, if so, records
// it. Expired entries are evicted on every call.
func (l *WindowLimiter) Admit() bool {
	now := l.now()
	l.evict(now)

	if l.limit > 0 && len(l.times) >= l.limit {
		return false
	}

	l.times = append(l.times, now)
	l.last = now
	return true
}

// Wait blocks until a request may proceed, honoring the minimum gap first and
// then the window budget. It returns early with ctx.Err() on cancellation.
func (l *WindowLimiter) Wait(ctx context.Context) error {
	if !l.last.IsZero() && l.minGap > 0 {
		if gap := l.minGap - l.now().Sub(l.last); gap > 0 {
			if err := l.sleep(ctx, gap); err != nil {
				return err
			}
		}
	}

	for !l.Admit() {
		// Budget exhausted; the oldest entry tells us when a slot frees up.
		wait := 100 * time.Millisecond
		if len(l.times) > 0 {
			if until := l.times[0].Add(l.window).Sub(l.now()); until > wait {
				wait = until
			}
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of requests currently inside the window.
func (l *WindowLimiter) Pending() int {
	l.evict(l.now())
	return len(l.times)
}

func (l *WindowLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
