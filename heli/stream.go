package heli

import (
	"math"
	"time"
)

type point struct {
	min float64
	max float64
}

type emitFunc func(sec int64, p point, noData bool)

// biquad holds normalized second-order section coefficients.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// lowpass designs a Butterworth-Q low-pass section (RBJ cookbook). The corner
// is clamped to 40% of the sample rate so low-rate channels stay stable.
func lowpass(cutoff, rate float64) biquad {
	if limit := 0.4 * rate; cutoff > limit {
		cutoff = limit
	}
	w0 := 2 * math.Pi * cutoff / rate
	cosw := math.Cos(w0)
	alpha := math.Sin(w0) / math.Sqrt2 // Q = 1/sqrt(2)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosw) / 2 / a0,
		b1: (1 - cosw) / a0,
		b2: (1 - cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

// dcGain is the response to a constant input.
func (c biquad) dcGain() float64 {
	return (c.b0 + c.b1 + c.b2) / (1 + c.a1 + c.a2)
}

// stream is the running filter plus the second currently being accumulated.
type stream struct {
	coef     biquad
	period   int64 // nanoseconds between samples
	fill     int32
	scale    float64
	warmup   int
	gapNanos int64

	z1, z2   float64
	state    State
	primed   bool
	warmLeft int
	fillRun  int64
	fed      bool
	lastFed  int64

	emitted     bool
	lastEmitted int64

	pending     bool
	pendSec     int64
	pendBad     bool
	pendPartial bool
	pendCount   int
	pmin, pmax  float64
}

func newStream(opts Options, rate float64, coef biquad) *stream {
	warmup := opts.WarmupSamples
	if warmup <= 0 {
		warmup = int(math.Ceil(opts.WarmupSeconds * rate))
	}
	return &stream{
		coef:     coef,
		period:   sampleNanos(1, rate),
		fill:     opts.Fill,
		scale:    opts.Scale,
		warmup:   warmup,
		gapNanos: int64(opts.GapSeconds * float64(time.Second)),
		state:    Cold,
		warmLeft: warmup,
	}
}

// feed pushes the samples newer than anything already fed through the
// filter, closing every second it completes.
func (s *stream) feed(samples []int32, startN, endN int64, mean float64, emit emitFunc) {
	half := s.period / 2
	sec64 := int64(time.Second)
	rate := 1e9 / float64(s.period)
	for i, v := range samples {
		t := startN + sampleNanos(int64(i), rate)
		if s.fed && t <= s.lastFed+half {
			continue
		}
		contiguous := s.fed && t-s.lastFed <= s.period+half
		if s.fed && t-s.lastFed >= s.gapNanos {
			s.goCold()
		}
		sec := floorDiv(t, sec64)
		if s.pending && sec != s.pendSec {
			if s.lastFed+s.period+half < (s.pendSec+1)*sec64 {
				s.pendBad = true
			}
			s.close(mean, emit)
		}
		if !s.pending {
			s.open(sec, !contiguous && t-s.period >= sec*sec64)
		} else if !contiguous {
			s.pendBad = true
		}
		s.fed = true
		s.lastFed = t
		if v == s.fill {
			s.pendBad = true
			s.fillRun++
			if s.fillRun*s.period >= s.gapNanos {
				s.goCold()
			}
			continue
		}
		s.fillRun = 0
		y := s.step(float64(v))
		if y < s.pmin {
			s.pmin = y
		}
		if y > s.pmax {
			s.pmax = y
		}
		s.pendCount++
	}
	if s.pending && endN+half >= (s.pendSec+1)*sec64 {
		s.close(mean, emit)
	}
}

func (s *stream) open(sec int64, partial bool) {
	s.pending = true
	s.pendSec = sec
	s.pendBad = false
	s.pendPartial = partial
	s.pendCount = 0
	s.pmin = math.Inf(1)
	s.pmax = math.Inf(-1)
}

func (s *stream) close(mean float64, emit emitFunc) {
	sec := s.pendSec
	s.pending = false
	if !s.emitted || sec > s.lastEmitted {
		s.lastEmitted = sec
		s.emitted = true
	}
	if s.pendPartial {
		return
	}
	if s.pendBad || s.pendCount == 0 {
		emit(sec, point{}, true)
		return
	}
	emit(sec, point{min: (s.pmin - mean) * s.scale, max: (s.pmax - mean) * s.scale}, false)
}

func (s *stream) goCold() {
	s.state = Cold
	s.primed = false
	s.warmLeft = s.warmup
}

// step filters one sample (direct form II transposed). After a reset the
// delay line is primed to the steady state of the first input so the output
// starts at the signal level instead of ringing up from zero.
func (s *stream) step(x float64) float64 {
	c := s.coef
	if !s.primed {
		y0 := x * c.dcGain()
		s.z2 = c.b2*x - c.a2*y0
		s.z1 = c.b1*x - c.a1*y0 + s.z2
		s.primed = true
	}
	y := c.b0*x + s.z1
	s.z1 = c.b1*x - c.a1*y + s.z2
	s.z2 = c.b2*x - c.a2*y
	if s.state == Cold {
		s.warmLeft--
		if s.warmLeft <= 0 {
			s.state = Warm
		}
	}
	return y
}
