package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// MaxEnvelopeBytes bounds the payload a reader will accept.
const MaxEnvelopeBytes = 256 << 20

var errEnvelopeHeader = errors.New("wire: malformed envelope header")

// Compress deflates b with zlib framing.
func Compress(b []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wire: compress: %w", err)
	}
	return out.Bytes(), nil
}

// Decompress inflates a zlib stream produced by Compress.
func Decompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, MaxEnvelopeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}
	if len(out) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("wire: decompress: payload exceeds %d bytes", MaxEnvelopeBytes)
	}
	return out, nil
}

// WriteEnvelope writes "<reqid> <byteCount>\n" followed by payload.
func WriteEnvelope(w io.Writer, reqID string, payload []byte) error {
	if _, err := fmt.Fprintf(w, "%s %d\n", reqID, len(payload)); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ParseEnvelopeHeader splits an envelope header line. ok is false when the
// line is not an envelope header (for example a classification line).
func ParseEnvelopeHeader(line string) (reqID string, size int, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return fields[0], n, true
}

// ReadEnvelope reads one envelope from r.
func ReadEnvelope(r *bufio.Reader) (string, []byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	reqID, size, ok := ParseEnvelopeHeader(line)
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", errEnvelopeHeader, strings.TrimSpace(line))
	}
	payload, err := ReadPayload(r, size)
	return reqID, payload, err
}

// ReadPayload reads exactly size bytes announced by an envelope header.
func ReadPayload(r io.Reader, size int) ([]byte, error) {
	if size > MaxEnvelopeBytes {
		return nil, fmt.Errorf("wire: envelope of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return payload, nil
}
