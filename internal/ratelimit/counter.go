// Package ratelimit throttles repetitive warnings (pool saturation, block pool
// waits, dropped live packets) so a sustained fault logs a summary line per
// interval instead of one line per event.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and allows one report per interval. Events that occur
// between reports are accumulated and handed to the next report as suppressed.
// It is safe for concurrent use; the zero value reports every event.
type Counter struct {
	interval   time.Duration
	lastReport atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewCounter constructs a Counter reporting at most once per interval.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval}
}

// Inc records one event. When ok is true the caller should log; suppressed is
// the number of events swallowed since the previous report.
func (c *Counter) Inc() (total uint64, suppressed uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	total = c.total.Add(1)
	if c.interval <= 0 {
		return total, 0, true
	}
	now := time.Now().UnixNano()
	last := c.lastReport.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return total, 0, false
	}
	if !c.lastReport.CompareAndSwap(last, now) {
		c.suppressed.Add(1)
		return total, 0, false
	}
	return total, c.suppressed.Swap(0), true
}

// Total returns the number of events recorded so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
