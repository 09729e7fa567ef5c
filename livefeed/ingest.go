package livefeed

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"waveserver/archive"
	"waveserver/catalog"
	"waveserver/internal/ratelimit"
	"waveserver/span"
)

// Archiver persists live segments; *archive.Writer implements it.
type Archiver interface {
	Enqueue(seg archive.Segment) bool
}

// IngestOptions configures an Ingester.
type IngestOptions struct {
	// MaxFuture rejects packets that start further than this ahead of now.
	MaxFuture time.Duration
	Now       func() time.Time
}

// Ingester is the single consumer of the packet stream. Each accepted packet
// goes to the channel's span, the catalog's live coverage and, when an
// archiver is set, the archive writer.
type Ingester struct {
	catalog  *catalog.Catalog
	spans    *span.Registry
	archiver Archiver
	opts     IngestOptions

	accepted  atomic.Uint64
	rejectLog *ratelimit.Counter
}

// NewIngester wires an ingester; archiver may be nil.
func NewIngester(cat *catalog.Catalog, spans *span.Registry, archiver Archiver, opts IngestOptions) *Ingester {
	if opts.MaxFuture <= 0 {
		opts.MaxFuture = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingester{
		catalog:   cat,
		spans:     spans,
		archiver:  archiver,
		opts:      opts,
		rejectLog: ratelimit.NewCounter(30 * time.Second),
	}
}

// Apply ingests one packet.
func (in *Ingester) Apply(p Packet) error {
	if p.Start.After(in.opts.Now().Add(in.opts.MaxFuture)) {
		return in.reject(fmt.Errorf("%w: %s starts %s in the future", ErrBadPacket, p.Channel, p.Start.Sub(in.opts.Now()).Round(time.Second)))
	}
	sp, created := in.spans.GetOrCreate(p.Channel)
	if created {
		log.Printf("livefeed: new live channel %s at %g Hz", p.Channel, p.Rate)
	}
	if err := sp.AppendRealtime(p.Start, p.Rate, p.Samples); err != nil {
		return in.reject(err)
	}
	in.catalog.ApplyLive(catalog.LiveEvent{
		Channel:      p.Channel,
		Start:        p.Start,
		NextExpected: p.End(),
		RateHz:       p.Rate,
	})
	if in.archiver != nil {
		in.archiver.Enqueue(archive.Segment{Channel: p.Channel, Start: p.Start, Rate: p.Rate, Samples: p.Samples})
	}
	in.accepted.Add(1)
	return nil
}

func (in *Ingester) reject(err error) error {
	if _, suppressed, ok := in.rejectLog.Inc(); ok {
		log.Printf("livefeed: rejected packet: %v (suppressed=%d)", err, suppressed)
	}
	return err
}

// Run applies packets until ctx is done or packets is closed.
func (in *Ingester) Run(ctx context.Context, packets <-chan Packet) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				return nil
			}
			_ = in.Apply(p)
		}
	}
}

// Accepted returns the number of packets applied.
func (in *Ingester) Accepted() uint64 {
	return in.accepted.Load()
}

// Rejected returns the number of packets refused.
func (in *Ingester) Rejected() uint64 {
	return in.rejectLog.Total()
}
