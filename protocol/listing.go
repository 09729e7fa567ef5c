package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"waveserver/catalog"
	"waveserver/channel"
	"waveserver/wire"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// listCache keeps rendered listing bodies so a listing is rebuilt at most
// once per ttl however many clients ask. Bodies are built from one snapshot.
type listCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cachedList
}

type cachedList struct {
	built time.Time
	lines []string
}

func newListCache(ttl time.Duration) *listCache {
	return &listCache{ttl: ttl, entries: make(map[string]cachedList)}
}

func (c *listCache) get(key string, now time.Time, build func() []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && now.Sub(e.built) < c.ttl {
		return e.lines
	}
	lines := build()
	c.entries[key] = cachedList{built: now, lines: lines}
	return lines
}

// invalidate drops every cached body.
func (c *listCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// MENU <reqid> [SCNL|<pattern>]
func (h *Handler) menuCommand(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(0, 1, "<reqid> [SCNL|<pattern>]"); err != nil {
		return err
	}
	now := h.opts.Now()
	snap := h.deps.Catalog.Snapshot()
	var lines []string
	if len(req.Args) == 0 || strings.EqualFold(req.Args[0], "SCNL") {
		lines = h.menu.get("MENU", now, func() []string {
			return h.menuLines(snap.Current(now, h.opts.MenuTTL, h.opts.EndFallback), now)
		})
	} else {
		p, err := channel.CompilePattern(req.Args[0])
		if err != nil {
			return &RequestError{ReqID: req.ID, Msg: "bad pattern", Err: err}
		}
		var matched []catalog.Coverage
		for _, cov := range snap.Current(now, h.opts.MenuTTL, h.opts.EndFallback) {
			if p.Match(cov.Channel) {
				matched = append(matched, cov)
			}
		}
		lines = h.menuLines(matched, now)
	}
	for _, l := range lines {
		w.line(req.ID, l)
	}
	return w.end(req.ID)
}

func (h *Handler) menuLines(entries []catalog.Coverage, now time.Time) []string {
	lines := make([]string, 0, len(entries))
	for _, cov := range entries {
		end := catalog.EffectiveEnd(cov, now, h.opts.EndFallback)
		lines = append(lines, fmt.Sprintf("%s %s %s s4", header(cov.Channel, true), wire.FormatTime(cov.Earliest), wire.FormatTime(end)))
	}
	return lines
}

// GETCHANNELS <reqid> [METADATA]
func (h *Handler) getChannels(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(0, 1, "<reqid> [METADATA]"); err != nil {
		return err
	}
	withMeta := len(req.Args) == 1
	if withMeta && !strings.EqualFold(req.Args[0], "METADATA") {
		return malformed(req.ID, "usage: GETCHANNELS <reqid> [METADATA]")
	}
	now := h.opts.Now()
	snap := h.deps.Catalog.Snapshot()
	key := "CHANNELS"
	if withMeta {
		key += "+META"
	}
	lines := h.menu.get(key, now, func() []string {
		entries := snap.Current(now, 0, h.opts.EndFallback)
		out := make([]string, 0, len(entries))
		for _, cov := range entries {
			end := catalog.EffectiveEnd(cov, now, h.opts.EndFallback)
			l := fmt.Sprintf("%d %s %s %s", pin(cov.Channel), cov.Channel.SCNL(), wire.FormatTime(cov.Earliest), wire.FormatTime(end))
			if withMeta {
				l += fmt.Sprintf(" %s %t", wire.FormatRate(nominalRate(cov)), cov.LiveRateHz > 0)
			}
			out = append(out, l)
		}
		return out
	})
	for _, l := range lines {
		w.line(req.ID, l)
	}
	return w.end(req.ID)
}

type channelMetadata struct {
	Channel  string  `json:"channel"`
	Network  string  `json:"network"`
	Station  string  `json:"station"`
	Location string  `json:"location"`
	Code     string  `json:"code"`
	Earliest float64 `json:"earliest"`
	Latest   float64 `json:"latest"`
	RateHz   float64 `json:"rate"`
	Live     bool    `json:"live"`
}

type instrumentMetadata struct {
	Instrument string   `json:"instrument"`
	Network    string   `json:"network"`
	Station    string   `json:"station"`
	Channels   []string `json:"channels"`
	Earliest   float64  `json:"earliest"`
	Latest     float64  `json:"latest"`
}

// GETMETADATA <reqid> CHANNEL|INSTRUMENT [JSON]
func (h *Handler) getMetadata(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(1, 2, "<reqid> CHANNEL|INSTRUMENT [JSON]"); err != nil {
		return err
	}
	kind := strings.ToUpper(req.Args[0])
	if kind != "CHANNEL" && kind != "INSTRUMENT" {
		return malformed(req.ID, "unknown metadata kind %q", req.Args[0])
	}
	asJSON := len(req.Args) == 2
	if asJSON && !strings.EqualFold(req.Args[1], "JSON") {
		return malformed(req.ID, "unknown metadata format %q", req.Args[1])
	}
	now := h.opts.Now()
	snap := h.deps.Catalog.Snapshot()
	key := kind
	if asJSON {
		key += "+JSON"
	}
	var buildErr error
	lines := h.meta.get(key, now, func() []string {
		entries := snap.Current(now, 0, h.opts.EndFallback)
		var records []any
		if kind == "CHANNEL" {
			for _, m := range h.channelMetadata(entries, now) {
				records = append(records, m)
			}
		} else {
			for _, m := range h.instrumentMetadata(entries, now) {
				records = append(records, m)
			}
		}
		if asJSON {
			b, err := json.Marshal(records)
			if err != nil {
				buildErr = err
				return nil
			}
			return []string{string(b)}
		}
		out := make([]string, 0, len(records))
		for _, r := range records {
			out = append(out, formatMetadata(r))
		}
		return out
	})
	if buildErr != nil {
		return &RequestError{ReqID: req.ID, Msg: "metadata", Err: buildErr}
	}
	for _, l := range lines {
		w.line(req.ID, l)
	}
	return w.end(req.ID)
}

func (h *Handler) channelMetadata(entries []catalog.Coverage, now time.Time) []channelMetadata {
	out := make([]channelMetadata, 0, len(entries))
	for _, cov := range entries {
		ch := cov.Channel
		out = append(out, channelMetadata{
			Channel:  ch.SCNL(),
			Network:  ch.Network,
			Station:  ch.Station,
			Location: ch.WireLocation(),
			Code:     ch.Channel,
			Earliest: wire.EpochSeconds(cov.Earliest),
			Latest:   wire.EpochSeconds(catalog.EffectiveEnd(cov, now, h.opts.EndFallback)),
			RateHz:   nominalRate(cov),
			Live:     cov.LiveRateHz > 0,
		})
	}
	return out
}

func (h *Handler) instrumentMetadata(entries []catalog.Coverage, now time.Time) []instrumentMetadata {
	byStation := make(map[string]*instrumentMetadata)
	var keys []string
	for _, cov := range entries {
		ch := cov.Channel
		key := ch.Network + "." + ch.Station
		m, ok := byStation[key]
		if !ok {
			m = &instrumentMetadata{Instrument: key, Network: ch.Network, Station: ch.Station, Earliest: wire.EpochSeconds(cov.Earliest)}
			byStation[key] = m
			keys = append(keys, key)
		}
		m.Channels = append(m.Channels, ch.SCNL())
		if e := wire.EpochSeconds(cov.Earliest); e < m.Earliest {
			m.Earliest = e
		}
		if l := wire.EpochSeconds(catalog.EffectiveEnd(cov, now, h.opts.EndFallback)); l > m.Latest {
			m.Latest = l
		}
	}
	sort.Strings(keys)
	out := make([]instrumentMetadata, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byStation[k])
	}
	return out
}

func formatMetadata(r any) string {
	switch m := r.(type) {
	case channelMetadata:
		return fmt.Sprintf("channel=%s,network=%s,station=%s,location=%s,code=%s,earliest=%.6f,latest=%.6f,rate=%.4f,live=%t",
			m.Channel, m.Network, m.Station, m.Location, m.Code, m.Earliest, m.Latest, m.RateHz, m.Live)
	case instrumentMetadata:
		return fmt.Sprintf("instrument=%s,network=%s,station=%s,channels=%s,earliest=%.6f,latest=%.6f",
			m.Instrument, m.Network, m.Station, strings.Join(m.Channels, ";"), m.Earliest, m.Latest)
	}
	return ""
}

func nominalRate(cov catalog.Coverage) float64 {
	if cov.LiveRateHz > 0 {
		return cov.LiveRateHz
	}
	return cov.NominalRateHz
}
