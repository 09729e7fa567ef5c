package protocol

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
)

// VERSION <reqid>
func (h *Handler) version(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(0, 0, "<reqid>"); err != nil {
		return err
	}
	w.line(req.ID, fmt.Sprintf("PROTOCOL_VERSION: %d %s %s", ProtocolVersion, h.opts.ServerName, h.opts.Version))
	return w.end(req.ID)
}

// STATUS <reqid>
func (h *Handler) status(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(0, 0, "<reqid>"); err != nil {
		return err
	}
	snap := h.deps.Catalog.Snapshot()
	w.line(req.ID, fmt.Sprintf("Catalog: channels=%s published=%s seq=%d",
		humanize.Comma(int64(snap.Len())), humanize.Time(snap.Built()), snap.Seq()))
	for _, l := range h.deps.Stats.SnapshotLines() {
		w.line(req.ID, l)
	}
	if h.deps.Status != nil {
		for _, l := range h.deps.Status() {
			w.line(req.ID, l)
		}
	}
	w.line(req.ID, fmt.Sprintf("Session: heli_filters=%d", s.Filters()))
	return w.end(req.ID)
}

// UPDATEMDS <reqid> schedules a full catalog reload and drops cached
// listings.
func (h *Handler) updateMDS(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(0, 0, "<reqid>"); err != nil {
		return err
	}
	if h.deps.Refresh != nil {
		h.deps.Refresh.Trigger()
	}
	h.menu.invalidate()
	h.meta.invalidate()
	w.line(req.ID, "OK")
	return w.end(req.ID)
}
