// Package protocol implements the text-line request protocol: parsing,
// dispatch to the catalog, merge engine and helicorder filters, and response
// encoding. Every response line starts with the request id; a successful
// response ends with "<reqid> END" and a rejected one with "<reqid> ERROR ...".
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"waveserver/catalog"
	"waveserver/channel"
	"waveserver/heli"
	"waveserver/merge"
	"waveserver/stats"

	lev "github.com/agnivade/levenshtein"
)

// ProtocolVersion is reported by VERSION.
const ProtocolVersion = 3

// Resolver answers data requests; *merge.Engine implements it.
type Resolver interface {
	Resolve(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) merge.Result
}

// Triggerer schedules a catalog reload; *catalog.Refresher implements it.
type Triggerer interface {
	Trigger()
}

// Deps are the collaborators a Handler dispatches to.
type Deps struct {
	Catalog *catalog.Catalog
	Engine  Resolver
	Refresh Triggerer
	Stats   *stats.Tracker
	// Status returns extra STATUS lines (pool, spans, archive).
	Status func() []string
}

// Options configures a Handler. Zero values take defaults.
type Options struct {
	ServerName    string
	Version       string
	MenuCache     time.Duration
	MetadataCache time.Duration
	// MenuTTL hides channels whose effective end is older than this. Zero
	// lists everything.
	MenuTTL     time.Duration
	EndFallback time.Duration
	// Fill is the engine's internal no-data sentinel.
	Fill int32
	Heli heli.Options
	// MaxHeliFilters bounds the per-session filter map.
	MaxHeliFilters int
	Now            func() time.Time
}

type commandFunc func(ctx context.Context, s *Session, req Request, w *responseWriter) error

// Handler is shared by every session. It is safe for concurrent use.
type Handler struct {
	deps     Deps
	opts     Options
	menu     *listCache
	meta     *listCache
	commands map[string]commandFunc
	names    []string
}

// NewHandler wires a Handler.
func NewHandler(deps Deps, opts Options) *Handler {
	if opts.ServerName == "" {
		opts.ServerName = "waveserver"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.MenuCache <= 0 {
		opts.MenuCache = 20 * time.Second
	}
	if opts.MetadataCache <= 0 {
		opts.MetadataCache = time.Minute
	}
	if opts.EndFallback <= 0 {
		opts.EndFallback = 24 * time.Hour
	}
	if opts.MaxHeliFilters <= 0 {
		opts.MaxHeliFilters = 64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Heli.Fill = opts.Fill
	if deps.Stats == nil {
		deps.Stats = stats.NewTracker()
	}
	h := &Handler{
		deps: deps,
		opts: opts,
		menu: newListCache(opts.MenuCache),
		meta: newListCache(opts.MetadataCache),
	}
	h.commands = map[string]commandFunc{
		"MENU":           h.menuCommand,
		"GETSCNL":        h.getSCNL,
		"GETSCN":         h.getSCN,
		"GETSCNLRAW":     h.getSCNLRaw,
		"GETSCNRAW":      h.getSCNRaw,
		"GETWAVERAW":     h.getWaveRaw,
		"GETSCNLHELIRAW": h.getHeliRaw,
		"GETMETADATA":    h.getMetadata,
		"GETCHANNELS":    h.getChannels,
		"VERSION":        h.version,
		"STATUS":         h.status,
		"UPDATEMDS":      h.updateMDS,
	}
	for name := range h.commands {
		h.names = append(h.names, name)
	}
	sort.Strings(h.names)
	return h
}

// Commands lists the supported command names.
func (h *Handler) Commands() []string {
	return append([]string(nil), h.names...)
}

// Handle answers one request line. Request problems are written to w as an
// error line and nil is returned; a non-nil error means w failed and the
// connection should be torn down.
func (h *Handler) Handle(ctx context.Context, s *Session, line string, w io.Writer) error {
	rw := &responseWriter{w: w}
	defer func() { h.deps.Stats.AddBytes(rw.n) }()

	req, err := ParseRequest(line)
	if err == nil {
		fn, ok := h.commands[req.Command]
		if !ok {
			err = h.unknownCommand(req)
		} else {
			h.deps.Stats.IncrementCommand(req.Command)
			err = fn(ctx, s, req, rw)
		}
	}
	if err == nil || rw.err != nil {
		return rw.err
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return err
	}
	h.deps.Stats.IncrementProtocolErrors()
	id := reqErr.ReqID
	if id == "" {
		id = req.ID
	}
	if id == "" {
		id = "?"
	}
	rw.line(id, "ERROR "+reqErr.Error())
	return rw.err
}

func (h *Handler) unknownCommand(req Request) error {
	best, bestDist := "", 4
	for _, name := range h.names {
		if d := lev.ComputeDistance(req.Command, name); d < bestDist {
			best, bestDist = name, d
		}
	}
	if best != "" {
		return malformed(req.ID, "unknown command %s (did you mean %s?)", req.Command, best)
	}
	return malformed(req.ID, "unknown command %s", req.Command)
}

func (h *Handler) resolve(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) merge.Result {
	res := h.deps.Engine.Resolve(ctx, ch, start, dur)
	h.deps.Stats.IncrementOutcome(res.Outcome.Code())
	if res.Err != nil && res.Outcome != merge.NotFound {
		h.deps.Stats.IncrementArchiveErrors()
	}
	return res
}

// responseWriter remembers the first write error so command code can write
// line after line and check once.
type responseWriter struct {
	w   io.Writer
	n   int
	err error
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if rw.err != nil {
		return 0, rw.err
	}
	n, err := rw.w.Write(p)
	rw.n += n
	if err != nil {
		rw.err = err
		log.Printf("protocol: write: %v", err)
	}
	return n, err
}

func (rw *responseWriter) line(reqID, body string) {
	fmt.Fprintf(rw, "%s %s\n", reqID, body)
}

func (rw *responseWriter) end(reqID string) error {
	rw.line(reqID, "END")
	return rw.err
}

// Session is the per-connection state: the helicorder filters it owns.
type Session struct {
	filters map[channel.ID]*sessionFilter
	tick    uint64
}

type sessionFilter struct {
	filter   *heli.Filter
	lastUsed uint64
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{filters: make(map[channel.ID]*sessionFilter)}
}

// Filters returns the number of helicorder filters the session holds.
func (s *Session) Filters() int {
	return len(s.filters)
}

// filter returns the session's filter for ch, evicting the least recently
// used one when the session is at its limit.
func (s *Session) filter(ch channel.ID, opts heli.Options, limit int) *heli.Filter {
	s.tick++
	if sf, ok := s.filters[ch]; ok {
		sf.lastUsed = s.tick
		return sf.filter
	}
	if len(s.filters) >= limit {
		var victim channel.ID
		oldest := ^uint64(0)
		for id, sf := range s.filters {
			if sf.lastUsed < oldest {
				victim, oldest = id, sf.lastUsed
			}
		}
		delete(s.filters, victim)
	}
	f := heli.NewFilter(opts)
	s.filters[ch] = &sessionFilter{filter: f, lastUsed: s.tick}
	return f
}

// pin is a stable per-channel number standing in for the legacy tank pin.
func pin(ch channel.ID) uint64 {
	return ch.Hash() % 100000
}

func header(ch channel.ID, withLoc bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s %s", pin(ch), ch.Station, ch.Channel, ch.Network)
	if withLoc {
		b.WriteByte(' ')
		b.WriteString(ch.WireLocation())
	}
	return b.String()
}
