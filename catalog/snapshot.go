package catalog

import (
	"time"

	"waveserver/channel"
)

// Snapshot is an immutable, channel-ordered view of the catalog.
type Snapshot struct {
	entries []Coverage
	index   map[channel.ID]int
	built   time.Time
	seq     uint64
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// At returns entry i.
func (s *Snapshot) At(i int) Coverage {
	return s.entries[i]
}

// Entries returns a copy of all entries.
func (s *Snapshot) Entries() []Coverage {
	out := make([]Coverage, len(s.entries))
	copy(out, s.entries)
	return out
}

// Built returns when the snapshot was published.
func (s *Snapshot) Built() time.Time {
	return s.built
}

// Seq increases with every publish; caches key on it.
func (s *Snapshot) Seq() uint64 {
	return s.seq
}

// Lookup returns the entry for ch.
func (s *Snapshot) Lookup(ch channel.ID) (Coverage, bool) {
	i, ok := s.index[ch]
	if !ok {
		return Coverage{}, false
	}
	return s.entries[i], true
}

// Match returns entries matching p.
func (s *Snapshot) Match(p channel.Pattern) []Coverage {
	var out []Coverage
	for _, e := range s.entries {
		if p.Match(e.Channel) {
			out = append(out, e)
		}
	}
	return out
}

// Current returns unrestricted entries whose effective end is within ttl of
// now. A ttl of zero keeps every unrestricted entry.
func (s *Snapshot) Current(now time.Time, ttl, fallback time.Duration) []Coverage {
	out := make([]Coverage, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Restricted {
			continue
		}
		if ttl > 0 && now.Sub(EffectiveEnd(e, now, fallback)) > ttl {
			continue
		}
		out = append(out, e)
	}
	return out
}
