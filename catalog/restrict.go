package catalog

import (
	"fmt"

	"waveserver/channel"
)

// PatternRestrictor restricts every channel matching any of its patterns.
type PatternRestrictor struct {
	patterns []channel.Pattern
}

// NewPatternRestrictor compiles raw patterns ("STA$CHA$NET[$LOC]" or
// "NET.STA.LOC.CHA" globs).
func NewPatternRestrictor(raw []string) (*PatternRestrictor, error) {
	r := &PatternRestrictor{}
	for _, p := range raw {
		compiled, err := channel.CompilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("catalog: restriction: %w", err)
		}
		r.patterns = append(r.patterns, compiled)
	}
	return r, nil
}

// IsRestricted implements Restrictor.
func (r *PatternRestrictor) IsRestricted(ch channel.ID) bool {
	if r == nil {
		return false
	}
	for _, p := range r.patterns {
		if p.Match(ch) {
			return true
		}
	}
	return false
}
