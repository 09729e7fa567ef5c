// Package span keeps the most recent samples of each active channel in a
// fixed-capacity ring. Samples are addressed by their absolute index on the
// channel's sample grid (anchor + k/rate), so the ring can slide forward, be
// extended backwards by a refill, and carry gaps as fill values without the
// start time drifting.
package span

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"waveserver/archive"
	"waveserver/channel"
)

// ErrRateMismatch reports refill blocks whose rate disagrees with the span.
var ErrRateMismatch = errors.New("span: sample rate mismatch")

const rateTolerance = 1e-6

// Options sizes a span.
type Options struct {
	Duration   time.Duration // time covered by a full ring
	MaxSamples int           // hard cap on ring length regardless of rate
	Fill       int32         // sentinel written into gaps
	Adjacency  float64       // fraction of a sample period treated as contiguous
}

func (o Options) normalized() Options {
	if o.Duration <= 0 {
		o.Duration = 30 * time.Minute
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 1 << 20
	}
	if o.Adjacency <= 0 || o.Adjacency >= 1 {
		o.Adjacency = 0.5
	}
	return o
}

// Window is a copy of a contiguous stretch of the ring. Samples may contain
// the fill value where the span recorded a gap.
type Window struct {
	Start   time.Time
	Rate    float64
	Samples []int32
}

// End returns the time just after the last sample.
func (w Window) End() time.Time {
	return w.Start.Add(sampleOffset(int64(len(w.Samples)), w.Rate))
}

// Span is the ring for one channel. Writes are serialized; reads share.
type Span struct {
	mu      sync.RWMutex
	channel channel.ID
	opts    Options

	anchor time.Time // time of absolute index 0
	rate   float64
	ring   []int32
	first  int64 // absolute index of the oldest valid sample
	next   int64 // first missing index; [first, next) is valid
}

// New creates an empty span for ch.
func New(ch channel.ID, opts Options) *Span {
	return &Span{channel: ch, opts: opts.normalized()}
}

// Channel returns the channel the span belongs to.
func (s *Span) Channel() channel.ID {
	return s.channel
}

// Fill returns the sentinel used for gaps.
func (s *Span) Fill() int32 {
	return s.opts.Fill
}

// AppendRealtime writes a live packet. A packet starting within the
// adjacency tolerance of the expected next sample continues the stream;
// otherwise it lands on the nearest grid index and any hole before it is
// recorded as fill. A rate change restarts the span at the new rate.
func (s *Span) AppendRealtime(start time.Time, rate float64, samples []int32) error {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("span: append %s: invalid rate %g", s.channel, rate)
	}
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring != nil && !sameRate(s.rate, rate) {
		log.Printf("span: %s rate changed %g -> %g, restarting ring", s.channel, s.rate, rate)
		s.ring = nil
	}
	if s.ring == nil {
		s.reset(start, rate)
	}
	s.write(s.indexFor(start, true), samples, false)
	return nil
}

// Refill loads archive blocks into the span. Samples already held keep their
// value; only fill and slots outside the valid range take archive data.
// Blocks at a different rate are skipped and reported.
func (s *Span) Refill(blocks []*archive.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var skipped int
	for _, b := range blocks {
		if b == nil || len(b.Samples) == 0 || b.Rate <= 0 {
			continue
		}
		if s.ring == nil {
			s.reset(b.Start, b.Rate)
		}
		if !sameRate(s.rate, b.Rate) {
			skipped++
			continue
		}
		s.write(s.indexFor(b.Start, false), b.Samples, true)
	}
	if skipped > 0 {
		return fmt.Errorf("span: refill %s: skipped %d blocks: %w", s.channel, skipped, ErrRateMismatch)
	}
	return nil
}

// Window copies the samples whose times fall in [start, end). ok is false
// when the span holds nothing there.
func (s *Span) Window(start, end time.Time) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ring == nil || s.next <= s.first || !end.After(start) {
		return Window{}, false
	}
	lo := s.ceilIndex(start)
	hi := s.ceilIndex(end)
	if lo < s.first {
		lo = s.first
	}
	if hi > s.next {
		hi = s.next
	}
	if hi <= lo {
		return Window{}, false
	}
	w := Window{Start: s.timeOf(lo), Rate: s.rate, Samples: make([]int32, hi-lo)}
	for k := lo; k < hi; k++ {
		w.Samples[k-lo] = s.ring[s.slot(k)]
	}
	return w, true
}

// Oldest returns the time of the oldest valid sample.
func (s *Span) Oldest() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ring == nil || s.next <= s.first {
		return time.Time{}, false
	}
	return s.timeOf(s.first), true
}

// End returns the time just after the newest valid sample.
func (s *Span) End() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ring == nil || s.next <= s.first {
		return time.Time{}, false
	}
	return s.timeOf(s.next), true
}

// Rate returns the span's sample rate, 0 before any data.
func (s *Span) Rate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}

// Len returns the number of valid samples (fill included).
func (s *Span) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.next - s.first)
}

// Capacity returns the ring length, 0 before any data.
func (s *Span) Capacity() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring)
}

func (s *Span) reset(anchor time.Time, rate float64) {
	size := int(math.Ceil(s.opts.Duration.Seconds() * rate))
	if size < 1 {
		size = 1
	}
	if size > s.opts.MaxSamples {
		size = s.opts.MaxSamples
	}
	s.anchor = anchor
	s.rate = rate
	s.ring = make([]int32, size)
	s.first, s.next = 0, 0
}

// indexFor maps a packet start time onto the sample grid.
func (s *Span) indexFor(t time.Time, live bool) int64 {
	pos := t.Sub(s.anchor).Seconds() * s.rate
	if live && s.next > s.first && math.Abs(pos-float64(s.next)) < s.opts.Adjacency {
		return s.next
	}
	return int64(math.Round(pos))
}

func (s *Span) ceilIndex(t time.Time) int64 {
	pos := t.Sub(s.anchor).Seconds() * s.rate
	return int64(math.Ceil(pos - 1e-6))
}

func (s *Span) timeOf(k int64) time.Time {
	return s.anchor.Add(sampleOffset(k, s.rate))
}

// write stores samples at absolute index abs, sliding or extending the valid
// range and filling any hole it opens. With keep set, real samples already in
// the valid range are not overwritten. Caller holds the write lock.
func (s *Span) write(abs int64, samples []int32, keep bool) {
	size := int64(len(s.ring))
	n := int64(len(samples))
	end := abs + n
	if s.next <= s.first || abs >= s.next+size {
		s.first, s.next = abs, abs
	}
	if end <= s.next-size {
		return
	}
	newNext := max(s.next, end)
	newFirst := min(s.first, abs)
	if newNext-newFirst > size {
		newFirst = newNext - size
	}
	for k := max(s.next, newFirst); k < min(abs, newNext); k++ {
		s.ring[s.slot(k)] = s.opts.Fill
	}
	for k := max(end, newFirst); k < s.first; k++ {
		s.ring[s.slot(k)] = s.opts.Fill
	}
	for i, v := range samples {
		k := abs + int64(i)
		if k < newFirst {
			continue
		}
		if keep && k >= s.first && k < s.next && s.ring[s.slot(k)] != s.opts.Fill {
			continue
		}
		s.ring[s.slot(k)] = v
	}
	s.first, s.next = newFirst, newNext
}

func (s *Span) slot(k int64) int64 {
	size := int64(len(s.ring))
	return ((k % size) + size) % size
}

func sameRate(a, b float64) bool {
	return math.Abs(a-b) <= rateTolerance*math.Max(math.Abs(a), math.Abs(b))
}

func sampleOffset(k int64, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(math.Round(float64(k) / rate * float64(time.Second)))
}
