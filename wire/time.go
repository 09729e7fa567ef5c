// Package wire holds the byte-level encodings shared by the server and its
// clients: epoch-seconds timestamps, the raw trace and helicorder payloads,
// zlib compression and the length-prefixed envelope.
package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FormatTime renders t as epoch seconds with microsecond precision.
func FormatTime(t time.Time) string {
	return strconv.FormatFloat(EpochSeconds(t), 'f', 6, 64)
}

// FormatRate renders a sample rate with fixed precision.
func FormatRate(hz float64) string {
	return strconv.FormatFloat(hz, 'f', 4, 64)
}

// ParseTime parses epoch seconds ("1577836800.250000").
func ParseTime(raw string) (time.Time, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("wire: parse time %q: %w", raw, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, fmt.Errorf("wire: parse time %q: not finite", raw)
	}
	return FromEpochSeconds(v), nil
}

// EpochSeconds converts t to fractional Unix seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpochSeconds converts fractional Unix seconds to a UTC time rounded to
// the microsecond, the precision carried on the wire.
func FromEpochSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	nanos := int64(math.Round(frac*1e6)) * 1000
	return time.Unix(int64(sec), nanos).UTC()
}
