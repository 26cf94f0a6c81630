package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter throttles warnings that can fire in bursts (e.g. the same missing
// record hit by a pause/resume loop). Dropped entries are counted and reported
// as "suppressed" on the next entry that gets through.
//
// A nil *Limiter allows everything.
type Limiter struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimiter allows perSec entries per second with a burst of perSec.
// perSec <= 0 disables throttling and returns nil.
func NewLimiter(perSec int) *Limiter {
	if perSec <= 0 {
		return nil
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

// Allow reports whether an entry may be written now.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	if l.lim.Allow() {
		return true
	}
	l.suppressed.Add(1)
	return false
}

// Suppressed returns the number of entries dropped since the last reported entry.
func (l *Limiter) Suppressed() uint64 {
	if l == nil {
		return 0
	}
	return l.suppressed.Load()
}

func (l *Limiter) takeSuppressed() uint64 {
	if l == nil {
		return 0
	}
	return l.suppressed.Swap(0)
}
