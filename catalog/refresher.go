package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"waveserver/archive"

	"github.com/dustin/go-humanize"
)

// Source produces a bulk holdings scan.
type Source interface {
	Scan(ctx context.Context) ([]ScanEntry, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]ScanEntry, error)

// Scan implements Source.
func (f SourceFunc) Scan(ctx context.Context) ([]ScanEntry, error) {
	return f(ctx)
}

// HoldingsLister is the part of the archive store the refresher scans.
type HoldingsLister interface {
	Holdings(ctx context.Context) ([]archive.Holding, error)
}

// ArchiveSource scans the local block store.
func ArchiveSource(store HoldingsLister) Source {
	return SourceFunc(func(ctx context.Context) ([]ScanEntry, error) {
		holdings, err := store.Holdings(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]ScanEntry, 0, len(holdings))
		for _, h := range holdings {
			rows = append(rows, ScanEntry{Channel: h.Channel, Earliest: h.Earliest, Latest: h.Latest, RateHz: h.Rate})
		}
		return rows, nil
	})
}

// RefresherOptions configures the refresh loop.
type RefresherOptions struct {
	ScanInterval    time.Duration
	PublishInterval time.Duration
	ScanTimeout     time.Duration
}

// Refresher scans its sources at startup, periodically, and on demand, and
// flushes coalesced live updates into published snapshots.
type Refresher struct {
	cat     *Catalog
	sources map[string]Source
	order   []string
	opts    RefresherOptions
	trigger chan struct{}
}

// NewRefresher builds a refresher for cat.
func NewRefresher(cat *Catalog, opts RefresherOptions) *Refresher {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 5 * time.Minute
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = time.Second
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = opts.ScanInterval
	}
	return &Refresher{
		cat:     cat,
		sources: make(map[string]Source),
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
}

// AddSource registers a named scan source. Sources are scanned in the
// order they were added.
func (r *Refresher) AddSource(name string, src Source) {
	if src == nil {
		return
	}
	if _, ok := r.sources[name]; !ok {
		r.order = append(r.order, name)
	}
	r.sources[name] = src
}

// Trigger requests a full reload on the next loop iteration. It never blocks.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run scans once, then loops until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx, false); err != nil {
		log.Printf("catalog: initial scan: %v", err)
	}
	scan := time.NewTicker(r.opts.ScanInterval)
	defer scan.Stop()
	publish := time.NewTicker(r.opts.PublishInterval)
	defer publish.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scan.C:
			if err := r.Refresh(ctx, false); err != nil {
				log.Printf("catalog: scan: %v", err)
			}
		case <-r.trigger:
			if err := r.Refresh(ctx, true); err != nil {
				log.Printf("catalog: reload: %v", err)
			}
		case <-publish.C:
			r.cat.Publish()
		}
	}
}

// Refresh scans every source and publishes. With reload the scan replaces
// existing coverage instead of widening it. Partial results from healthy
// sources are applied even when another source fails.
func (r *Refresher) Refresh(ctx context.Context, reload bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ScanTimeout)
	defer cancel()
	started := time.Now()
	var rows []ScanEntry
	var errs []error
	for _, name := range r.order {
		got, err := r.sources[name].Scan(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		rows = append(rows, got...)
	}
	if reload && len(errs) == 0 {
		r.cat.Reload(rows)
	} else {
		r.cat.ApplyScan(rows)
	}
	r.cat.Publish()
	log.Printf("catalog: scanned %s rows from %d sources in %s (%s channels)",
		humanize.Comma(int64(len(rows))), len(r.order), time.Since(started).Round(time.Millisecond),
		humanize.Comma(int64(r.cat.Snapshot().Len())))
	return errors.Join(errs...)
}
