// Package merge resolves a channel and time window into one sample stream by
// combining the in-memory span with archive blocks, and classifies requests
// that cannot be answered with data.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"waveserver/archive"
	"waveserver/catalog"
	"waveserver/channel"
	"waveserver/span"
)

// Outcome classifies a resolved request.
type Outcome int

const (
	// Success carries samples.
	Success Outcome = iota
	// TooEarly means the request starts after the channel's data ends (FR).
	TooEarly
	// TooLate means the request ends before the channel's data starts (FL).
	TooLate
	// InteriorGap means coverage overlaps but no samples exist there (FG).
	InteriorGap
	// NotFound means the channel is unknown or restricted (FN).
	NotFound
)

// Code returns the wire code for the outcome.
func (o Outcome) Code() string {
	switch o {
	case Success:
		return "F"
	case TooEarly:
		return "FR"
	case TooLate:
		return "FL"
	case InteriorGap:
		return "FG"
	case NotFound:
		return "FN"
	}
	return "F?"
}

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TooEarly:
		return "too_early"
	case TooLate:
		return "too_late"
	case InteriorGap:
		return "gap"
	case NotFound:
		return "not_found"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the classified answer for one request. For Success, Samples
// start at Start on a grid of Rate and may contain the engine's fill value
// for interior gaps; leading and trailing fill are trimmed. For the other
// outcomes Reported carries the time the client should use.
type Result struct {
	Outcome  Outcome
	Channel  channel.ID
	Start    time.Time
	Rate     float64
	Samples  []int32
	Reported time.Time
	// Err is set when the archive failed and the result was degraded.
	Err error
}

// End returns the time just after the last returned sample.
func (r Result) End() time.Time {
	if r.Rate <= 0 {
		return r.Start
	}
	return r.Start.Add(offset(int64(len(r.Samples)), r.Rate))
}

// Options configures an Engine.
type Options struct {
	Fill           int32
	ArchiveTimeout time.Duration
	// MaxDuration caps the window of a single request.
	MaxDuration time.Duration
	// LazySpans creates and refills a span the first time a request
	// touches a channel's recent horizon.
	LazySpans bool
}

// Engine answers Resolve calls. It holds no locks of its own: the catalog is
// read through its published snapshot and spans lock themselves per channel.
type Engine struct {
	cat     *catalog.Catalog
	spans   *span.Registry
	archive archive.Gateway
	opts    Options
}

// NewEngine wires the engine to its collaborators. gw may be nil when no
// archive is configured.
func NewEngine(cat *catalog.Catalog, spans *span.Registry, gw archive.Gateway, opts Options) *Engine {
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 30 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 24 * time.Hour
	}
	return &Engine{cat: cat, spans: spans, archive: gw, opts: opts}
}

// Fill returns the internal no-data sentinel used in Result samples.
func (e *Engine) Fill() int32 {
	return e.opts.Fill
}

// Resolve answers [start, start+dur) for ch.
func (e *Engine) Resolve(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) Result {
	cov, ok := e.cat.Lookup(ch)
	if !ok || cov.Restricted {
		return Result{Outcome: NotFound, Channel: ch, Err: catalog.ErrUnknownChannel}
	}
	if dur < 0 {
		dur = 0
	}
	if dur > e.opts.MaxDuration {
		dur = e.opts.MaxDuration
	}
	end := start.Add(dur)
	if end.Before(cov.Earliest) {
		return Result{Outcome: TooLate, Channel: ch, Reported: cov.Earliest}
	}
	effEnd := e.cat.EffectiveEnd(cov)
	if start.After(effEnd) {
		return Result{Outcome: TooEarly, Channel: ch, Reported: effEnd}
	}

	sp := e.ensureSpan(ctx, ch, cov, effEnd, end)
	var (
		win     span.Window
		inSpan  bool
		blocks  []*archive.Block
		archErr error
	)
	if sp != nil {
		win, inSpan = sp.Window(start, end)
	}
	switch {
	case !inSpan:
		blocks, archErr = e.query(ctx, ch, start, end)
	case win.Start.Sub(start) >= halfSample(win.Rate):
		blocks, archErr = e.query(ctx, ch, start, win.Start)
	}
	if inSpan {
		// Without a live feed the span ends at its last refill; the
		// archive holds the rest.
		tailEnd := end
		if effEnd.Before(tailEnd) {
			tailEnd = effEnd
		}
		if tailEnd.Sub(win.End()) >= halfSample(win.Rate) {
			tail, err := e.query(ctx, ch, win.End(), tailEnd)
			if len(tail) > 0 {
				if rerr := sp.Refill(tail); rerr != nil {
					log.Printf("merge: %v", rerr)
				}
			}
			blocks = append(blocks, tail...)
			archErr = errors.Join(archErr, err)
		}
	}
	defer func() {
		for _, b := range blocks {
			b.Release()
		}
	}()

	res := e.assemble(ch, start, end, win, inSpan, blocks)
	res.Err = archErr
	if res.Outcome == InteriorGap {
		res.Reported = cov.Earliest
		if res.Rate <= 0 {
			res.Rate = nominalRate(cov)
		}
	}
	return res
}

// ensureSpan returns the channel's span, creating and refilling it from the
// archive when the request reaches into the span horizon.
func (e *Engine) ensureSpan(ctx context.Context, ch channel.ID, cov catalog.Coverage, effEnd, reqEnd time.Time) *span.Span {
	if sp, ok := e.spans.Get(ch); ok {
		return sp
	}
	if !e.opts.LazySpans || e.archive == nil {
		return nil
	}
	horizon := e.spans.Options().Duration
	hStart := effEnd.Add(-horizon)
	if reqEnd.Before(hStart) {
		return nil
	}
	sp, created := e.spans.GetOrCreate(ch)
	if !created {
		return sp
	}
	if hStart.Before(cov.Earliest) {
		hStart = cov.Earliest
	}
	blocks, err := e.query(ctx, ch, hStart, effEnd)
	if err != nil {
		return sp
	}
	if err := sp.Refill(blocks); err != nil {
		log.Printf("merge: %v", err)
	}
	for _, b := range blocks {
		b.Release()
	}
	return sp
}

func (e *Engine) query(ctx context.Context, ch channel.ID, start, end time.Time) ([]*archive.Block, error) {
	if e.archive == nil || !end.After(start) {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.ArchiveTimeout)
	defer cancel()
	blocks, err := e.archive.Query(ctx, ch, start, end.Sub(start))
	if err != nil {
		log.Printf("merge: archive query %s [%s, %s): %v", ch, start.Format(time.RFC3339), end.Format(time.RFC3339), err)
		return nil, err
	}
	return blocks, nil
}

// assemble lays span and archive samples onto one grid. The grid is anchored
// on the span when it has data (it is authoritative for recent samples) and
// on the first archive block otherwise. Archive samples are written first
// and span samples overwrite them; span fill never erases archive data.
func (e *Engine) assemble(ch channel.ID, start, end time.Time, win span.Window, inSpan bool, blocks []*archive.Block) Result {
	var origin time.Time
	var rate float64
	switch {
	case inSpan:
		origin, rate = win.Start, win.Rate
	case len(blocks) > 0:
		origin, rate = blocks[0].Start, blocks[0].Rate
	default:
		return Result{Outcome: InteriorGap, Channel: ch}
	}
	lo := ceilIndex(start, origin, rate)
	hi := ceilIndex(end, origin, rate)
	if hi <= lo {
		return Result{Outcome: InteriorGap, Channel: ch, Rate: rate}
	}
	out := make([]int32, hi-lo)
	for i := range out {
		out[i] = e.opts.Fill
	}
	put := func(k int64, v int32) {
		if k >= lo && k < hi {
			out[k-lo] = v
		}
	}
	for _, b := range blocks {
		if b.Rate <= 0 || math.Abs(b.Rate-rate) > 1e-6*rate {
			continue
		}
		k0 := roundIndex(b.Start, origin, rate)
		for i, v := range b.Samples {
			put(k0+int64(i), v)
		}
	}
	if inSpan {
		k0 := roundIndex(win.Start, origin, rate)
		for i, v := range win.Samples {
			if v != e.opts.Fill {
				put(k0+int64(i), v)
			}
		}
	}

	first, last := 0, len(out)
	for first < last && out[first] == e.opts.Fill {
		first++
	}
	for last > first && out[last-1] == e.opts.Fill {
		last--
	}
	if first == last {
		return Result{Outcome: InteriorGap, Channel: ch, Rate: rate}
	}
	return Result{
		Outcome: Success,
		Channel: ch,
		Start:   origin.Add(offset(lo+int64(first), rate)),
		Rate:    rate,
		Samples: out[first:last],
	}
}

func nominalRate(cov catalog.Coverage) float64 {
	if cov.LiveRateHz > 0 {
		return cov.LiveRateHz
	}
	return cov.NominalRateHz
}

func halfSample(rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(0.5 / rate * float64(time.Second))
}

func ceilIndex(t, origin time.Time, rate float64) int64 {
	return int64(math.Ceil(t.Sub(origin).Seconds()*rate - 1e-6))
}

func roundIndex(t, origin time.Time, rate float64) int64 {
	return int64(math.Round(t.Sub(origin).Seconds() * rate))
}

func offset(k int64, rate float64) time.Duration {
	return time.Duration(math.Round(float64(k) / rate * float64(time.Second)))
}
