package span

import (
	"sync"

	"waveserver/channel"
)

// shardCount must remain a power of two so we can use bit masking for fast shard selection.
const shardCount = 64

// Registry owns the process-wide spans, one per channel. The map is split into
// shards keyed by the channel hash so lookups for different channels rarely
// contend; each Span carries its own lock for sample access.
type Registry struct {
	opts   Options
	shards [shardCount]registryShard
}

type registryShard struct {
	mu    sync.RWMutex
	spans map[channel.ID]*Span
}

// NewRegistry returns an empty registry creating spans with opts.
func NewRegistry(opts Options) *Registry {
	r := &Registry{opts: opts.normalized()}
	for i := range r.shards {
		r.shards[i].spans = make(map[channel.ID]*Span)
	}
	return r
}

// Options returns the options new spans are created with.
func (r *Registry) Options() Options {
	return r.opts
}

// Get returns the span for ch if one exists.
func (r *Registry) Get(ch channel.ID) (*Span, bool) {
	shard := r.shard(ch)
	shard.mu.RLock()
	s, ok := shard.spans[ch]
	shard.mu.RUnlock()
	return s, ok
}

// GetOrCreate returns the span for ch, creating it lazily. created reports
// whether this call made it.
func (r *Registry) GetOrCreate(ch channel.ID) (s *Span, created bool) {
	if s, ok := r.Get(ch); ok {
		return s, false
	}
	shard := r.shard(ch)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if s, ok := shard.spans[ch]; ok {
		return s, false
	}
	s = New(ch, r.opts)
	shard.spans[ch] = s
	return s, true
}

// Len returns the number of spans held.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].spans)
		r.shards[i].mu.RUnlock()
	}
	return n
}

// Samples returns the total number of valid samples across all spans.
func (r *Registry) Samples() int {
	n := 0
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		for _, s := range shard.spans {
			n += s.Len()
		}
		shard.mu.RUnlock()
	}
	return n
}

func (r *Registry) shard(ch channel.ID) *registryShard {
	return &r.shards[ch.Hash()&(shardCount-1)]
}
