package pipeline

import (
	"sync/atomic"
	"time"
)

// warnInterval is the minimum spacing of repeated callback-path warnings.
const warnInterval = 5 * time.Second

// limiter lets one event through per interval. The zero value lets the
// first event through.
type limiter struct {
	interval time.Duration
	last     atomic.Int64
}

func newLimiter(interval time.Duration) *limiter {
	return &limiter{interval: interval}
}

// allow reports whether an event at now may be emitted.
func (l *limiter) allow(now time.Time) bool {
	n := now.UnixNano()
	last := l.last.Load()
	if last != 0 && n-last < int64(l.interval) {
		return false
	}
	return l.last.CompareAndSwap(last, n)
}
