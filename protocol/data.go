package protocol

import (
	"context"
	"strconv"
	"strings"

	"waveserver/channel"
	"waveserver/merge"
	"waveserver/wire"
)

// GETSCNL <reqid> <sta> <cha> <net> <loc> <start> <end> <fill>
func (h *Handler) getSCNL(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(7, 7, "<reqid> <sta> <cha> <net> <loc> <start> <end> <fill>"); err != nil {
		return err
	}
	return h.ascii(ctx, req, w, true)
}

// GETSCN <reqid> <sta> <cha> <net> <start> <end> <fill>
func (h *Handler) getSCN(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(6, 6, "<reqid> <sta> <cha> <net> <start> <end> <fill>"); err != nil {
		return err
	}
	return h.ascii(ctx, req, w, false)
}

func (h *Handler) ascii(ctx context.Context, req Request, w *responseWriter, withLoc bool) error {
	ch, err := req.scnl(0, withLoc)
	if err != nil {
		return err
	}
	next := 3
	if withLoc {
		next = 4
	}
	start, dur, err := req.window(next)
	if err != nil {
		return err
	}
	fillToken := req.Args[next+2]

	res := h.resolve(ctx, ch, start, dur)
	if res.Outcome != merge.Success {
		w.line(req.ID, classification(ch, withLoc, res))
		return w.end(req.ID)
	}
	var b strings.Builder
	b.Grow(64 + 8*len(res.Samples))
	b.WriteString(header(ch, withLoc))
	b.WriteString(" F s4 ")
	b.WriteString(wire.FormatTime(res.Start))
	b.WriteByte(' ')
	b.WriteString(wire.FormatRate(res.Rate))
	var num [16]byte
	for _, v := range res.Samples {
		b.WriteByte(' ')
		if v == h.opts.Fill {
			b.WriteString(fillToken)
			continue
		}
		b.Write(strconv.AppendInt(num[:0], int64(v), 10))
	}
	w.line(req.ID, b.String())
	return w.end(req.ID)
}

// GETSCNLRAW <reqid> <sta> <cha> <net> <loc> <start> <end>
func (h *Handler) getSCNLRaw(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(6, 6, "<reqid> <sta> <cha> <net> <loc> <start> <end>"); err != nil {
		return err
	}
	return h.raw(ctx, req, w, true)
}

// GETSCNRAW <reqid> <sta> <cha> <net> <start> <end>
func (h *Handler) getSCNRaw(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(5, 5, "<reqid> <sta> <cha> <net> <start> <end>"); err != nil {
		return err
	}
	return h.raw(ctx, req, w, false)
}

// raw answers with a header line "<reqid> <pin> STA CHA NET [LOC] F s4
// <start> <end> <bytes>" followed by an encoded trace.
func (h *Handler) raw(ctx context.Context, req Request, w *responseWriter, withLoc bool) error {
	ch, err := req.scnl(0, withLoc)
	if err != nil {
		return err
	}
	next := 3
	if withLoc {
		next = 4
	}
	start, dur, err := req.window(next)
	if err != nil {
		return err
	}
	res := h.resolve(ctx, ch, start, dur)
	if res.Outcome != merge.Success {
		w.line(req.ID, classification(ch, withLoc, res))
		return w.end(req.ID)
	}
	payload := wire.EncodeTrace(wire.Trace{Start: res.Start, Rate: res.Rate, Samples: res.Samples})
	w.line(req.ID, header(ch, withLoc)+" F s4 "+wire.FormatTime(res.Start)+" "+wire.FormatTime(res.End())+" "+strconv.Itoa(len(payload)))
	_, _ = w.Write(payload)
	return w.end(req.ID)
}

// GETWAVERAW <reqid> <STA$CHA$NET[$LOC]> <start> <end> <compress>
func (h *Handler) getWaveRaw(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(4, 4, "<reqid> <STA$CHA$NET[$LOC]> <start> <end> <compress 0|1>"); err != nil {
		return err
	}
	ch, err := channel.Parse(req.Args[0])
	if err != nil {
		return &RequestError{ReqID: req.ID, Msg: "bad channel", Err: err}
	}
	start, dur, err := req.window(1)
	if err != nil {
		return err
	}
	compress, err := parseFlag(req, req.Args[3])
	if err != nil {
		return err
	}
	res := h.resolve(ctx, ch, start, dur)
	if res.Outcome != merge.Success {
		w.line(req.ID, shortClassification(res))
		return w.end(req.ID)
	}
	payload := wire.EncodeTrace(wire.Trace{Start: res.Start, Rate: res.Rate, Samples: res.Samples})
	return h.envelope(req, w, payload, compress)
}

// GETSCNLHELIRAW <reqid> <sta> <cha> <net> <loc> <start> <end> <compress>
func (h *Handler) getHeliRaw(ctx context.Context, s *Session, req Request, w *responseWriter) error {
	if err := req.want(7, 7, "<reqid> <sta> <cha> <net> <loc> <start> <end> <compress 0|1>"); err != nil {
		return err
	}
	ch, err := req.scnl(0, true)
	if err != nil {
		return err
	}
	start, dur, err := req.window(4)
	if err != nil {
		return err
	}
	compress, err := parseFlag(req, req.Args[6])
	if err != nil {
		return err
	}
	res := h.resolve(ctx, ch, start, dur)
	if res.Outcome != merge.Success {
		w.line(req.ID, shortClassification(res))
		return w.end(req.ID)
	}
	f := s.filter(ch, h.opts.Heli, h.opts.MaxHeliFilters)
	points := f.Process(res.Samples, res.Start, res.Rate)
	return h.envelope(req, w, wire.EncodeHeli(points), compress)
}

func (h *Handler) envelope(req Request, w *responseWriter, payload []byte, compress bool) error {
	if compress {
		var err error
		if payload, err = wire.Compress(payload); err != nil {
			return &RequestError{ReqID: req.ID, Msg: "compress", Err: err}
		}
	}
	_ = wire.WriteEnvelope(w, req.ID, payload)
	return w.end(req.ID)
}

func parseFlag(req Request, raw string) (bool, error) {
	switch raw {
	case "0", "false", "FALSE":
		return false, nil
	case "1", "true", "TRUE":
		return true, nil
	}
	return false, malformed(req.ID, "bad compress flag %q", raw)
}

// classification renders a non-success result after the channel header:
// "FR <time>", "FL <time>", "FG <time> <rate>" or "FN".
func classification(ch channel.ID, withLoc bool, res merge.Result) string {
	return header(ch, withLoc) + " " + shortClassification(res)
}

func shortClassification(res merge.Result) string {
	switch res.Outcome {
	case merge.TooEarly, merge.TooLate:
		return res.Outcome.Code() + " " + wire.FormatTime(res.Reported)
	case merge.InteriorGap:
		return res.Outcome.Code() + " " + wire.FormatTime(res.Reported) + " " + wire.FormatRate(res.Rate)
	}
	return res.Outcome.Code()
}
