package archive

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"waveserver/channel"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	blockPrefix  = "w|"
	valueVersion = 1
	valueHeader  = 1 + 8 + 4
)

const (
	defaultCacheSizeBytes        = int64(64 << 20)
	defaultBloomFilterBits       = 10
	defaultMemTableSizeBytes     = uint64(32 << 20)
	defaultL0CompactionThreshold = 4
	defaultL0StopWritesThreshold = 16
)

var (
	errStoreClosed  = errors.New("archive: store is closed")
	errInvalidValue = errors.New("archive: invalid block encoding")
)

// StoreOptions controls pebble tuning for the block store. Zero fields are
// replaced with defaults.
type StoreOptions struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
}

// Holding is the stored coverage of one channel.
type Holding struct {
	Channel  channel.ID
	Earliest time.Time
	Latest   time.Time
	Rate     float64
}

// Segment is a contiguous run of samples waiting to be stored.
type Segment struct {
	Channel channel.ID
	Start   time.Time
	Rate    float64
	Samples []int32
}

// Store keeps sample blocks in pebble under "w|<channel key><start>" keys.
// Values carry the rate, the count and zigzag-varint sample deltas.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
	pool  *BlockPool

	mu     sync.RWMutex
	closed bool
}

func sanitizeStoreOptions(opts StoreOptions) StoreOptions {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = defaultL0StopWritesThreshold
		if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
			opts.L0StopWritesThreshold = opts.L0CompactionThreshold + 4
		}
	}
	return opts
}

// Open opens or creates the block store at path. Blocks returned by Query are
// checked out of pool.
func Open(path string, opts StoreOptions, pool *BlockPool) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive: database path is empty")
	}
	if pool == nil {
		return nil, errors.New("archive: block pool is nil")
	}
	opts = sanitizeStoreOptions(opts)
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("archive: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("archive: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:                 pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Store{db: db, cache: pebbleOpts.Cache, pool: pool}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Put stores one segment, split into pool-sized blocks.
func (s *Store) Put(seg Segment) error {
	return s.PutBatch([]Segment{seg})
}

// PutBatch stores segments in a single pebble batch.
func (s *Store) PutBatch(segs []Segment) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	limit := s.pool.BlockSamples()
	for _, seg := range segs {
		if seg.Rate <= 0 || len(seg.Samples) == 0 {
			continue
		}
		for off := 0; off < len(seg.Samples); off += limit {
			end := off + limit
			if end > len(seg.Samples) {
				end = len(seg.Samples)
			}
			start := seg.Start.Add(sampleSpan(off, seg.Rate))
			if err := batch.Set(blockKey(seg.Channel, start), encodeBlock(seg.Rate, seg.Samples[off:end]), nil); err != nil {
				return fmt.Errorf("archive: batch set: %w", err)
			}
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Query returns the stored data for ch overlapping [start, start+dur), in
// time order. Contiguous stored blocks of one rate are packed into full pool
// blocks, so a window needs about one pool block per BlockSamples samples
// however the data was written. A window that would need more blocks than
// the pool holds fails with ErrPoolExhausted instead of waiting on itself.
// The caller owns the blocks and must release them.
func (s *Store) Query(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	end := start.Add(dur)
	prefix := channelPrefix(ch)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: blockKey(ch, end)})
	if err != nil {
		return nil, fmt.Errorf("archive: query iterator: %w", err)
	}
	defer iter.Close()

	pk := &packer{pool: s.pool, ch: ch}
	fail := func(err error) ([]*Block, error) {
		s.pool.ReleaseAll(pk.out)
		return nil, err
	}
	// Blocks before start may still reach into the window. Walk back while
	// they do; an older block hidden behind one that ends before start is
	// not found.
	var head []storedRun
	for valid := iter.SeekLT(blockKey(ch, start)); valid; valid = iter.Prev() {
		blockStart := keyTime(iter.Key())
		rate, samples, err := decodeBlock(iter.Value(), nil)
		if err != nil {
			return fail(err)
		}
		if !runEnd(blockStart, rate, len(samples)).After(start) {
			break
		}
		head = append(head, storedRun{start: blockStart, rate: rate, samples: samples})
	}
	for i := len(head) - 1; i >= 0; i-- {
		if err := pk.add(ctx, head[i].start, head[i].rate, head[i].samples); err != nil {
			return fail(err)
		}
	}
	var scratch []int32
	for valid := iter.SeekGE(blockKey(ch, start)); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		rate, samples, err := decodeBlock(iter.Value(), scratch)
		if err != nil {
			return fail(err)
		}
		scratch = samples
		if err := pk.add(ctx, keyTime(iter.Key()), rate, samples); err != nil {
			return fail(err)
		}
	}
	if err := iter.Error(); err != nil {
		return fail(fmt.Errorf("archive: iterate blocks: %w", err))
	}
	return pk.out, nil
}

type storedRun struct {
	start   time.Time
	rate    float64
	samples []int32
}

// packer copies decoded runs into pool blocks, appending to the last block
// while the next run continues it at the same rate.
type packer struct {
	pool *BlockPool
	ch   channel.ID
	out  []*Block
	cur  *Block
}

func (p *packer) add(ctx context.Context, start time.Time, rate float64, samples []int32) error {
	if p.cur != nil && !continues(p.cur, start, rate) {
		p.cur = nil
	}
	limit := p.pool.BlockSamples()
	for off := 0; off < len(samples); {
		if p.cur == nil || len(p.cur.Samples) >= limit {
			if len(p.out) >= p.pool.Capacity() {
				return fmt.Errorf("archive: query %s needs more than %d blocks: %w", p.ch, p.pool.Capacity(), ErrPoolExhausted)
			}
			b, err := p.pool.Checkout(ctx)
			if err != nil {
				return err
			}
			b.Channel = p.ch
			b.Start = start.Add(sampleSpan(off, rate))
			b.Rate = rate
			p.out = append(p.out, b)
			p.cur = b
		}
		n := min(limit-len(p.cur.Samples), len(samples)-off)
		p.cur.Samples = append(p.cur.Samples, samples[off:off+n]...)
		off += n
	}
	return nil
}

// continues reports whether a run at start with rate extends b within half a
// sample.
func continues(b *Block, start time.Time, rate float64) bool {
	if math.Abs(b.Rate-rate) > 1e-6*rate {
		return false
	}
	gap := start.Sub(b.End())
	if gap < 0 {
		gap = -gap
	}
	return gap < sampleSpan(1, rate)/2
}

func sampleSpan(n int, rate float64) time.Duration {
	return time.Duration(float64(n) / rate * float64(time.Second))
}

func runEnd(start time.Time, rate float64, n int) time.Time {
	return start.Add(sampleSpan(n, rate))
}

// Holdings reports the first and last stored instant of every channel. It
// visits two keys per channel rather than every block.
func (s *Store) Holdings(ctx context.Context) ([]Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(blockPrefix))
	if err != nil {
		return nil, fmt.Errorf("archive: holdings iterator: %w", err)
	}
	defer iter.Close()

	var out []Holding
	for valid := iter.First(); valid; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, ok := keyChannel(iter.Key())
		if !ok {
			valid = iter.Next()
			continue
		}
		h := Holding{Channel: ch, Earliest: keyTime(iter.Key())}
		upper := prefixUpperBound(channelPrefix(ch))
		if !iter.SeekLT(upper) {
			break
		}
		rate, n, err := decodeHeader(iter.Value())
		if err != nil {
			return nil, err
		}
		h.Rate = rate
		h.Latest = runEnd(keyTime(iter.Key()), rate, n)
		out = append(out, h)
		valid = iter.SeekGE(upper)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("archive: iterate holdings: %w", err)
	}
	return out, nil
}

// Cleanup deletes blocks starting before cutoff and returns the number of
// channels touched.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	holdings, err := s.Holdings(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errStoreClosed
	}
	pruned := 0
	for _, h := range holdings {
		if !h.Earliest.Before(cutoff) {
			continue
		}
		if err := s.db.DeleteRange(channelPrefix(h.Channel), blockKey(h.Channel, cutoff), pebble.Sync); err != nil {
			return pruned, fmt.Errorf("archive: delete range %s: %w", h.Channel, err)
		}
		pruned++
	}
	return pruned, nil
}

func channelPrefix(ch channel.ID) []byte {
	return append([]byte(blockPrefix), ch.Key()...)
}

// blockKey orders keys by time: the sign bit is flipped so pre-1970 instants
// sort before later ones.
func blockKey(ch channel.ID, t time.Time) []byte {
	key := channelPrefix(ch)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano())^(1<<63))
	return append(key, ts[:]...)
}

func keyTime(key []byte) time.Time {
	if len(key) < 8 {
		return time.Time{}
	}
	v := binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63)
	return time.Unix(0, int64(v)).UTC()
}

func keyChannel(key []byte) (channel.ID, bool) {
	if len(key) < len(blockPrefix)+8 {
		return channel.ID{}, false
	}
	return channel.ParseKey(key[len(blockPrefix) : len(key)-8])
}

func encodeBlock(rate float64, samples []int32) []byte {
	buf := make([]byte, valueHeader, valueHeader+len(samples)*2)
	buf[0] = valueVersion
	binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(rate))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(samples)))
	var prev int64
	for _, v := range samples {
		buf = binary.AppendVarint(buf, int64(v)-prev)
		prev = int64(v)
	}
	return buf
}

func decodeHeader(value []byte) (float64, int, error) {
	if len(value) < valueHeader || value[0] != valueVersion {
		return 0, 0, errInvalidValue
	}
	rate := math.Float64frombits(binary.BigEndian.Uint64(value[1:9]))
	if rate <= 0 || math.IsNaN(rate) {
		return 0, 0, errInvalidValue
	}
	return rate, int(binary.BigEndian.Uint32(value[9:13])), nil
}

func decodeBlock(value []byte, dst []int32) (float64, []int32, error) {
	rate, n, err := decodeHeader(value)
	if err != nil {
		return 0, nil, err
	}
	dst = dst[:0]
	rest := value[valueHeader:]
	var prev int64
	for i := 0; i < n; i++ {
		delta, used := binary.Varint(rest)
		if used <= 0 {
			return 0, nil, errInvalidValue
		}
		rest = rest[used:]
		prev += delta
		dst = append(dst, int32(prev))
	}
	return rate, dst, nil
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
