package channel

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar"
)

// Pattern matches channel IDs field by field using shell-style globs
// ("*", "?", "[...]", "{a,b}"). A pattern is written in the same two forms
// Parse accepts; a lone "*" matches every channel. Fields are validated with
// path.Match syntax and matched with doublestar, which adds alternatives.
type Pattern struct {
	station  string
	channel  string
	network  string
	location string
}

// MatchAll is the pattern used when a request supplies none.
var MatchAll = Pattern{station: "*", channel: "*", network: "*", location: "*"}

// CompilePattern parses and validates a pattern string.
func CompilePattern(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return MatchAll, nil
	}
	var p Pattern
	if strings.Contains(raw, "$") {
		parts := strings.Split(raw, "$")
		if len(parts) < 3 || len(parts) > 4 {
			return Pattern{}, fmt.Errorf("channel: pattern %q: %w", raw, errFieldCount)
		}
		p = Pattern{station: parts[0], channel: parts[1], network: parts[2], location: "*"}
		if len(parts) == 4 {
			p.location = parts[3]
		}
	} else {
		parts := strings.Split(raw, ".")
		if len(parts) != 4 {
			return Pattern{}, fmt.Errorf("channel: pattern %q: %w", raw, errFieldCount)
		}
		p = Pattern{network: parts[0], station: parts[1], location: parts[2], channel: parts[3]}
	}
	p.station = normalizeField(p.station)
	p.channel = normalizeField(p.channel)
	p.network = normalizeField(p.network)
	p.location = normalizeLocation(p.location)
	for _, field := range []string{p.station, p.channel, p.network, p.location} {
		if _, err := path.Match(field, ""); err != nil {
			return Pattern{}, fmt.Errorf("channel: pattern %q: %w", raw, err)
		}
	}
	return p, nil
}

// Match reports whether id satisfies every field of the pattern.
func (p Pattern) Match(id ID) bool {
	return matchField(p.station, id.Station) &&
		matchField(p.channel, id.Channel) &&
		matchField(p.network, id.Network) &&
		matchField(p.location, id.Location)
}

func matchField(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}
