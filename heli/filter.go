// Package heli turns raw samples into one (min, max) pair per wall-clock
// second for helicorder displays. Each session keeps a streaming low-pass
// filter per channel plus a circular cache of computed seconds, so clients
// that poll overlapping windows get identical answers without the filter
// restarting on every request.
package heli

import (
	"math"
	"time"

	"waveserver/wire"
)

// State is the filter's settling state.
type State int

const (
	// Cold means the filter has just started or resumed after a gap.
	Cold State = iota
	// Warm means enough samples have passed since the last gap.
	Warm
)

func (s State) String() string {
	if s == Warm {
		return "warm"
	}
	return "cold"
}

// Options configures a Filter. Zero fields take defaults.
type Options struct {
	CacheSeconds  int     // N: seconds retained in the circular cache
	WarmupSeconds float64 // settling time after a gap
	WarmupSamples int     // overrides WarmupSeconds when positive
	GapSeconds    float64 // a hole at least this long resets the filter
	CutoffHz      float64 // low-pass corner, clamped below Nyquist
	Scale         float64
	Fill          int32
}

func (o Options) normalized() Options {
	if o.CacheSeconds <= 0 {
		o.CacheSeconds = 3600
	}
	if o.WarmupSeconds <= 0 {
		o.WarmupSeconds = 3
	}
	if o.GapSeconds <= 0 {
		o.GapSeconds = 2
	}
	if o.CutoffHz <= 0 {
		o.CutoffHz = 5
	}
	if o.Scale == 0 {
		o.Scale = 1
	}
	return o
}

type slot struct {
	second int64
	min    float64
	max    float64
	noData bool
	valid  bool
}

// Filter is the per (channel, session) decimation state. It is not safe for
// concurrent use; a session owns its filters.
type Filter struct {
	opts   Options
	rate   float64
	coef   biquad
	stream *stream
	cache  []slot
}

// NewFilter returns a cold filter.
func NewFilter(opts Options) *Filter {
	opts = opts.normalized()
	return &Filter{opts: opts, cache: make([]slot, opts.CacheSeconds)}
}

// State reports the streaming filter's state.
func (f *Filter) State() State {
	if f.stream == nil {
		return Cold
	}
	return f.stream.state
}

// LastEmitted returns the newest second the stream has closed.
func (f *Filter) LastEmitted() (int64, bool) {
	if f.stream == nil || !f.stream.emitted {
		return 0, false
	}
	return f.stream.lastEmitted, true
}

// Process decimates samples (starting at start, spaced 1/rate) and returns
// a point for every whole second inside the window that holds real data.
// Seconds already cached are returned from the cache, except holes that the
// window now fills, which are recomputed; samples newer than
// anything seen continue the session stream; a window ending more than the
// cache horizon behind the stream is computed from scratch and leaves the
// session untouched.
func (f *Filter) Process(samples []int32, start time.Time, rate float64) []wire.HeliPoint {
	if len(samples) == 0 || rate <= 0 || math.IsNaN(rate) {
		return nil
	}
	if f.stream == nil || !sameRate(f.rate, rate) {
		f.reset(rate)
	}
	startN := start.UnixNano()
	endN := startN + sampleNanos(int64(len(samples)), rate)
	half := sampleNanos(1, rate) / 2
	firstSec := ceilDiv(startN-half, int64(time.Second))
	endSec := floorDiv(endN+half, int64(time.Second))
	if endSec <= firstSec {
		return nil
	}
	mean := windowMean(samples, f.opts.Fill)
	n := int64(len(f.cache))

	if f.stream.emitted && endSec-1 < f.stream.lastEmitted-n {
		return f.scratch(samples, startN, endN, mean).collect(firstSec, endSec)
	}

	f.stream.feed(samples, startN, endN, mean, f.store)

	out := make([]wire.HeliPoint, 0, endSec-firstSec)
	var fresh *scratchResult
	for sec := firstSec; sec < endSec; sec++ {
		s, cached := f.lookup(sec)
		switch {
		case cached && !s.noData:
			out = append(out, wire.HeliPoint{Second: sec, Min: s.min, Max: s.max})
			continue
		case cached:
			// A hole may since have been backfilled.
			if !secondHasData(samples, startN, f.rate, sec, f.opts.Fill) {
				continue
			}
		case !f.stream.emitted || sec > f.stream.lastEmitted:
			continue
		}
		// Behind the stream and not a usable cache entry: evicted, before
		// the stream began, or a hole that now has data.
		if fresh == nil {
			fresh = f.scratch(samples, startN, endN, mean)
		}
		p, ok := fresh.points[sec]
		if sec > f.stream.lastEmitted-n {
			f.store(sec, p, !ok)
		}
		if ok {
			out = append(out, wire.HeliPoint{Second: sec, Min: p.min, Max: p.max})
		}
	}
	return out
}

func (f *Filter) reset(rate float64) {
	f.rate = rate
	f.coef = lowpass(f.opts.CutoffHz, rate)
	f.stream = newStream(f.opts, rate, f.coef)
	for i := range f.cache {
		f.cache[i] = slot{}
	}
}

func (f *Filter) lookup(sec int64) (slot, bool) {
	s := f.cache[mod(sec, int64(len(f.cache)))]
	if !s.valid || s.second != sec {
		return slot{}, false
	}
	return s, true
}

func (f *Filter) store(sec int64, p point, noData bool) {
	f.cache[mod(sec, int64(len(f.cache)))] = slot{second: sec, min: p.min, max: p.max, noData: noData, valid: true}
}

type scratchResult struct {
	points map[int64]point
}

func (r *scratchResult) collect(from, to int64) []wire.HeliPoint {
	out := make([]wire.HeliPoint, 0, to-from)
	for sec := from; sec < to; sec++ {
		if p, ok := r.points[sec]; ok {
			out = append(out, wire.HeliPoint{Second: sec, Min: p.min, Max: p.max})
		}
	}
	return out
}

// scratch runs a fresh cold filter over the window.
func (f *Filter) scratch(samples []int32, startN, endN int64, mean float64) *scratchResult {
	res := &scratchResult{points: make(map[int64]point)}
	s := newStream(f.opts, f.rate, f.coef)
	s.feed(samples, startN, endN, mean, func(sec int64, p point, noData bool) {
		if !noData {
			res.points[sec] = p
		}
	})
	return res
}

// secondHasData reports whether any sample inside second sec is real data.
func secondHasData(samples []int32, startN int64, rate float64, sec int64, fill int32) bool {
	from := sec * int64(time.Second)
	i := int64(math.Floor(float64(from-startN) * rate / 1e9))
	if i < 0 {
		i = 0
	}
	for ; i < int64(len(samples)); i++ {
		t := startN + sampleNanos(i, rate)
		if t >= from+int64(time.Second) {
			break
		}
		if t >= from && samples[i] != fill {
			return true
		}
	}
	return false
}

// sameRate compares sample rates within a relative tolerance, since rates
// derived from packet timing differ in the last bits.
func sameRate(a, b float64) bool {
	return math.Abs(a-b) <= rateTolerance*math.Max(math.Abs(a), math.Abs(b))
}

const rateTolerance = 1e-6

func windowMean(samples []int32, fill int32) float64 {
	var sum float64
	var n int
	for _, v := range samples {
		if v == fill {
			continue
		}
		sum += float64(v)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func sampleNanos(k int64, rate float64) int64 {
	return int64(math.Round(float64(k) * 1e9 / rate))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}

func mod(a, n int64) int64 {
	return ((a % n) + n) % n
}
