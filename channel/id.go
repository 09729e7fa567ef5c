// Package channel defines the canonical channel identifier (station, channel,
// network, location) used as the key for every per-channel structure in the
// server: catalog entries, span buffers, helicorder filters and archive keys.
package channel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// NoLocation is the wire token for an empty location code.
const NoLocation = "--"

var (
	errEmptyID    = errors.New("channel: empty identifier")
	errFieldCount = errors.New("channel: expected station, channel and network")
)

// ID identifies one continuous waveform channel. It is a comparable value type
// so it can key maps directly; all fields are upper-case and the location is
// empty (never "--") when absent.
type ID struct {
	Station  string
	Channel  string
	Network  string
	Location string
}

// New builds a normalized ID from individual wire fields.
func New(sta, cha, net, loc string) (ID, error) {
	id := ID{
		Station:  normalizeField(sta),
		Channel:  normalizeField(cha),
		Network:  normalizeField(net),
		Location: normalizeLocation(loc),
	}
	if id.Station == "" || id.Channel == "" || id.Network == "" {
		return ID{}, errFieldCount
	}
	return id, nil
}

// Parse accepts the Winston form "STA$CHA$NET[$LOC]" or the dotted FDSN form
// "NET.STA.LOC.CHA".
func Parse(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, errEmptyID
	}
	if strings.Contains(raw, "$") {
		parts := strings.Split(raw, "$")
		switch len(parts) {
		case 3:
			return New(parts[0], parts[1], parts[2], "")
		case 4:
			return New(parts[0], parts[1], parts[2], parts[3])
		default:
			return ID{}, fmt.Errorf("channel: parse %q: %w", raw, errFieldCount)
		}
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return ID{}, fmt.Errorf("channel: parse %q: %w", raw, errFieldCount)
	}
	return New(parts[1], parts[3], parts[0], parts[2])
}

// SCNL returns the Winston-style "STA$CHA$NET$LOC" key, omitting an empty
// location.
func (id ID) SCNL() string {
	if id.Location == "" {
		return id.Station + "$" + id.Channel + "$" + id.Network
	}
	return id.Station + "$" + id.Channel + "$" + id.Network + "$" + id.Location
}

// String renders the dotted FDSN form, e.g. "NET.STA..BHZ".
func (id ID) String() string {
	return id.Network + "." + id.Station + "." + id.Location + "." + id.Channel
}

// WireLocation returns the location as it appears on the wire ("--" when empty).
func (id ID) WireLocation() string {
	if id.Location == "" {
		return NoLocation
	}
	return id.Location
}

// Key is the byte form used as the archive key prefix. Fields are separated by
// a byte that cannot appear in normalized fields so keys never collide.
func (id ID) Key() []byte {
	buf := make([]byte, 0, len(id.Station)+len(id.Channel)+len(id.Network)+len(id.Location)+4)
	buf = append(buf, id.Network...)
	buf = append(buf, 0)
	buf = append(buf, id.Station...)
	buf = append(buf, 0)
	buf = append(buf, id.Location...)
	buf = append(buf, 0)
	buf = append(buf, id.Channel...)
	buf = append(buf, 0)
	return buf
}

// ParseKey reverses Key. The second return is false for malformed input.
func ParseKey(key []byte) (ID, bool) {
	parts := strings.Split(string(key), "\x00")
	if len(parts) != 5 || parts[4] != "" {
		return ID{}, false
	}
	id := ID{Network: parts[0], Station: parts[1], Location: parts[2], Channel: parts[3]}
	if id.Station == "" || id.Channel == "" || id.Network == "" {
		return ID{}, false
	}
	return id, true
}

// Hash returns a stable 64-bit hash used for shard selection.
func (id ID) Hash() uint64 {
	return xxh3.Hash(id.Key())
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

func normalizeField(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func normalizeLocation(v string) string {
	v = normalizeField(v)
	if v == NoLocation {
		return ""
	}
	return v
}
