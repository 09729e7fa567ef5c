// Package catalog tracks the time coverage of every known channel. Writers
// (the holdings scan and the live feed) update a private map; readers only
// ever see immutable snapshots that are rebuilt and swapped atomically, so a
// listing never mixes entries from before and after a refresh.
package catalog

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"waveserver/channel"
)

// ErrUnknownChannel is returned for channels the catalog has never seen.
var ErrUnknownChannel = errors.New("catalog: unknown channel")

// Coverage is what the catalog knows about one channel.
type Coverage struct {
	Channel    channel.ID
	Earliest   time.Time
	Latest     time.Time
	LiveRateHz float64 // 0 until the live feed confirms arrival
	Restricted bool

	// NominalRateHz is the last rate seen from any source.
	NominalRateHz float64

	// NextExpected is the live feed's estimate of the next sample time.
	NextExpected time.Time
	// LastLive is the wall-clock time of the most recent live event.
	LastLive time.Time
}

// ScanEntry is one row of a bulk holdings scan.
type ScanEntry struct {
	Channel  channel.ID
	Earliest time.Time
	Latest   time.Time
	RateHz   float64
}

// LiveEvent reports newly arrived data for a channel.
type LiveEvent struct {
	Channel      channel.ID
	Start        time.Time
	NextExpected time.Time
	RateHz       float64
}

// Restrictor decides whether a channel is hidden from clients.
type Restrictor interface {
	IsRestricted(ch channel.ID) bool
}

// Options configures a Catalog.
type Options struct {
	// PublishInterval coalesces live updates into at most one snapshot
	// rebuild per interval.
	PublishInterval time.Duration
	// EndFallback is how far past the last known sample a channel is
	// assumed to extend when the live feed has no estimate.
	EndFallback time.Duration
	Restrictor  Restrictor
	Now         func() time.Time
}

// Catalog owns the writable coverage map and the published snapshot.
type Catalog struct {
	opts Options

	mu          sync.Mutex
	entries     map[channel.ID]*Coverage
	dirty       bool
	lastPublish time.Time
	seq         uint64

	snap atomic.Pointer[Snapshot]
}

// New returns an empty catalog with an empty published snapshot.
func New(opts Options) *Catalog {
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = time.Second
	}
	if opts.EndFallback <= 0 {
		opts.EndFallback = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Catalog{opts: opts, entries: make(map[channel.ID]*Coverage)}
	c.snap.Store(&Snapshot{index: map[channel.ID]int{}})
	return c
}

// Snapshot returns the current published snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Lookup returns the published coverage of ch.
func (c *Catalog) Lookup(ch channel.ID) (Coverage, bool) {
	return c.Snapshot().Lookup(ch)
}

// Match returns published entries matching p, in channel order.
func (c *Catalog) Match(p channel.Pattern) []Coverage {
	return c.Snapshot().Match(p)
}

// EffectiveEnd resolves the instant a channel is considered to have data up
// to. The live feed's next-expected estimate wins. Without it the channel is
// assumed to run EndFallback past its last sample, capped at now, unless the
// last sample is itself older than EndFallback, in which case it is reported
// as is.
func (c *Catalog) EffectiveEnd(cov Coverage) time.Time {
	return EffectiveEnd(cov, c.opts.Now(), c.opts.EndFallback)
}

// EffectiveEnd is the policy behind Catalog.EffectiveEnd.
func EffectiveEnd(cov Coverage, now time.Time, fallback time.Duration) time.Time {
	if !cov.NextExpected.IsZero() {
		return cov.NextExpected
	}
	if now.Sub(cov.Latest) > fallback {
		return cov.Latest
	}
	end := cov.Latest.Add(fallback)
	if end.After(now) {
		return now
	}
	return end
}

// ApplyScan merges scan rows: coverage only widens.
func (c *Catalog) ApplyScan(rows []ScanEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range rows {
		c.mergeScanLocked(c.entries, row)
	}
	c.dirty = true
}

// Reload replaces scan-derived coverage with rows. Channels with live data
// keep their live state and stay listed even if the scan missed them.
func (c *Catalog) Reload(rows []ScanEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fresh := make(map[channel.ID]*Coverage, len(rows))
	for _, row := range rows {
		c.mergeScanLocked(fresh, row)
	}
	for id, old := range c.entries {
		if old.LiveRateHz <= 0 {
			continue
		}
		cov, ok := fresh[id]
		if !ok {
			cp := *old
			fresh[id] = &cp
			continue
		}
		cov.LiveRateHz = old.LiveRateHz
		cov.NextExpected = old.NextExpected
		cov.LastLive = old.LastLive
		if old.NextExpected.After(cov.Latest) {
			cov.Latest = old.NextExpected
		}
	}
	c.entries = fresh
	c.dirty = true
}

// ApplyLive records a live arrival. Snapshots are rebuilt at most once per
// PublishInterval from this path.
func (c *Catalog) ApplyLive(ev LiveEvent) {
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	cov, ok := c.entries[ev.Channel]
	if !ok {
		cov = &Coverage{Channel: ev.Channel, Earliest: ev.Start, Latest: ev.NextExpected}
		c.entries[ev.Channel] = cov
	}
	if !ev.Start.IsZero() && (cov.Earliest.IsZero() || ev.Start.Before(cov.Earliest)) {
		cov.Earliest = ev.Start
	}
	if ev.NextExpected.After(cov.Latest) {
		cov.Latest = ev.NextExpected
	}
	if ev.NextExpected.After(cov.NextExpected) {
		cov.NextExpected = ev.NextExpected
	}
	if ev.RateHz > 0 {
		cov.LiveRateHz = ev.RateHz
		cov.NominalRateHz = ev.RateHz
	}
	cov.LastLive = now
	c.dirty = true
	if now.Sub(c.lastPublish) >= c.opts.PublishInterval {
		c.publishLocked(now)
	}
}

// Publish rebuilds and swaps the snapshot if anything changed since the
// last one. It reports whether a new snapshot was published.
func (c *Catalog) Publish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return false
	}
	c.publishLocked(c.opts.Now())
	return true
}

// Len returns the number of channels in the writable map.
func (c *Catalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Catalog) mergeScanLocked(dst map[channel.ID]*Coverage, row ScanEntry) {
	if row.Channel.IsZero() {
		return
	}
	if row.Latest.Before(row.Earliest) {
		row.Earliest, row.Latest = row.Latest, row.Earliest
	}
	cov, ok := dst[row.Channel]
	if !ok {
		dst[row.Channel] = &Coverage{Channel: row.Channel, Earliest: row.Earliest, Latest: row.Latest, NominalRateHz: row.RateHz}
		return
	}
	if row.RateHz > 0 {
		cov.NominalRateHz = row.RateHz
	}
	if cov.Earliest.IsZero() || row.Earliest.Before(cov.Earliest) {
		cov.Earliest = row.Earliest
	}
	if row.Latest.After(cov.Latest) {
		cov.Latest = row.Latest
	}
}

func (c *Catalog) publishLocked(now time.Time) {
	entries := make([]Coverage, 0, len(c.entries))
	for _, cov := range c.entries {
		e := *cov
		if c.opts.Restrictor != nil {
			e.Restricted = c.opts.Restrictor.IsRestricted(e.Channel)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return lessID(entries[i].Channel, entries[j].Channel)
	})
	index := make(map[channel.ID]int, len(entries))
	for i, e := range entries {
		index[e.Channel] = i
	}
	c.seq++
	c.snap.Store(&Snapshot{entries: entries, index: index, built: now, seq: c.seq})
	c.lastPublish = now
	c.dirty = false
}

func lessID(a, b channel.ID) bool {
	if a.Network != b.Network {
		return a.Network < b.Network
	}
	if a.Station != b.Station {
		return a.Station < b.Station
	}
	if a.Location != b.Location {
		return a.Location < b.Location
	}
	return a.Channel < b.Channel
}
