package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	traceHeaderSize = 20
	heliHeaderSize  = 4
	heliPointSize   = 24
)

var errShortPayload = errors.New("wire: payload truncated")

// Trace is a contiguous run of samples starting at Start.
type Trace struct {
	Start   time.Time
	Rate    float64
	Samples []int32
}

// End returns the time just after the last sample.
func (t Trace) End() time.Time {
	if t.Rate <= 0 {
		return t.Start
	}
	return t.Start.Add(time.Duration(float64(len(t.Samples)) / t.Rate * float64(time.Second)))
}

// EncodeTrace lays out a trace as: start (float64 epoch seconds), rate
// (float64), count (uint32), then count big-endian int32 samples.
func EncodeTrace(t Trace) []byte {
	buf := make([]byte, traceHeaderSize+4*len(t.Samples))
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(EpochSeconds(t.Start)))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(t.Rate))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(t.Samples)))
	off := traceHeaderSize
	for _, s := range t.Samples {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(s))
		off += 4
	}
	return buf
}

// DecodeTrace reverses EncodeTrace.
func DecodeTrace(b []byte) (Trace, error) {
	if len(b) < traceHeaderSize {
		return Trace{}, errShortPayload
	}
	start := math.Float64frombits(binary.BigEndian.Uint64(b[0:8]))
	rate := math.Float64frombits(binary.BigEndian.Uint64(b[8:16]))
	n := int(binary.BigEndian.Uint32(b[16:20]))
	if len(b) != traceHeaderSize+4*n {
		return Trace{}, fmt.Errorf("wire: trace declares %d samples, payload holds %d bytes: %w", n, len(b)-traceHeaderSize, errShortPayload)
	}
	t := Trace{Start: FromEpochSeconds(start), Rate: rate, Samples: make([]int32, n)}
	off := traceHeaderSize
	for i := range t.Samples {
		t.Samples[i] = int32(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
	}
	return t, nil
}

// HeliPoint is one decimated second.
type HeliPoint struct {
	Second int64
	Min    float64
	Max    float64
}

// EncodeHeli lays out points as a uint32 count followed by (second, min, max)
// triples, each an 8-byte big-endian field.
func EncodeHeli(points []HeliPoint) []byte {
	buf := make([]byte, heliHeaderSize+heliPointSize*len(points))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(points)))
	off := heliHeaderSize
	for _, p := range points {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(p.Second))
		binary.BigEndian.PutUint64(buf[off+8:off+16], math.Float64bits(p.Min))
		binary.BigEndian.PutUint64(buf[off+16:off+24], math.Float64bits(p.Max))
		off += heliPointSize
	}
	return buf
}

// DecodeHeli reverses EncodeHeli.
func DecodeHeli(b []byte) ([]HeliPoint, error) {
	if len(b) < heliHeaderSize {
		return nil, errShortPayload
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if len(b) != heliHeaderSize+heliPointSize*n {
		return nil, errShortPayload
	}
	points := make([]HeliPoint, n)
	off := heliHeaderSize
	for i := range points {
		points[i] = HeliPoint{
			Second: int64(binary.BigEndian.Uint64(b[off : off+8])),
			Min:    math.Float64frombits(binary.BigEndian.Uint64(b[off+8 : off+16])),
			Max:    math.Float64frombits(binary.BigEndian.Uint64(b[off+16 : off+24])),
		}
		off += heliPointSize
	}
	return points, nil
}
