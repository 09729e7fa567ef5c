package ratelimit

import (
	"testing"
	"time"
)

func TestCounterThrottlesAndReportsSuppressed(t *testing.T) {
	c := NewCounter(time.Hour)
	if _, _, ok := c.Inc(); !ok {
		t.Fatal("first event should report")
	}
	for i := 0; i < 5; i++ {
		if _, _, ok := c.Inc(); ok {
			t.Fatal("events inside the interval should be suppressed")
		}
	}
	if c.Total() != 6 {
		t.Fatalf("Total() = %d, want 6", c.Total())
	}
	c.lastReport.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	total, suppressed, ok := c.Inc()
	if !ok || total != 7 || suppressed != 5 {
		t.Fatalf("Inc() = (%d, %d, %v), want (7, 5, true)", total, suppressed, ok)
	}
}

func TestCounterZeroIntervalAlwaysReports(t *testing.T) {
	var c Counter
	for i := 0; i < 3; i++ {
		if _, _, ok := c.Inc(); !ok {
			t.Fatal("zero interval should always report")
		}
	}
}
