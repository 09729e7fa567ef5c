// Package archive is the long-horizon side of the server: pooled sample
// blocks, the Gateway contract the merge engine queries, a pebble-backed
// local block store with its asynchronous writer, and a Chain that falls back
// from the local store to a remote node.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"waveserver/channel"
	"waveserver/internal/ratelimit"
	"waveserver/internal/retry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrPoolExhausted is returned by Checkout when no block frees up before the
// hard ceiling and the fatal hook did not stop the process.
var ErrPoolExhausted = errors.New("archive: block pool exhausted")

var (
	poolWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waveserver_block_pool_waits_total",
		Help: "Checkouts that had to wait for a free block.",
	})
	poolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waveserver_block_pool_in_use",
		Help: "Blocks currently checked out.",
	})
)

// Block is an immutable run of samples for one channel. Blocks come from a
// BlockPool and must be released exactly once.
type Block struct {
	Channel channel.ID
	Start   time.Time
	Rate    float64
	Samples []int32

	pool   *BlockPool
	leased atomic.Bool
}

// End returns the time just after the last sample.
func (b *Block) End() time.Time {
	if b.Rate <= 0 {
		return b.Start
	}
	return b.Start.Add(time.Duration(float64(len(b.Samples)) / b.Rate * float64(time.Second)))
}

// Release returns the block to its pool. Releasing twice is logged and ignored.
func (b *Block) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Release(b)
}

// PoolOptions sizes a BlockPool.
type PoolOptions struct {
	Blocks       int           // maximum blocks alive at once
	BlockSamples int           // sample capacity of each block
	Wait         time.Duration // first wait when the pool is empty
	HardCeiling  time.Duration // total wait after which Fatal is invoked
	Fatal        func(format string, args ...any)
}

// BlockPool hands out fixed-capacity blocks. Blocks are allocated lazily up to
// the configured count and recycled through a free list.
type BlockPool struct {
	opts      PoolOptions
	free      chan *Block
	mu        sync.Mutex
	allocated int
	inUse     atomic.Int64
	waitLog   *ratelimit.Counter
}

// NewBlockPool builds a pool; zero options get small defaults.
func NewBlockPool(opts PoolOptions) *BlockPool {
	if opts.Blocks <= 0 {
		opts.Blocks = 4096
	}
	if opts.BlockSamples <= 0 {
		opts.BlockSamples = 4096
	}
	if opts.Wait <= 0 {
		opts.Wait = 50 * time.Millisecond
	}
	if opts.HardCeiling <= 0 {
		opts.HardCeiling = 2 * time.Minute
	}
	if opts.Fatal == nil {
		opts.Fatal = log.Fatalf
	}
	return &BlockPool{
		opts:    opts,
		free:    make(chan *Block, opts.Blocks),
		waitLog: ratelimit.NewCounter(10 * time.Second),
	}
}

// BlockSamples returns the per-block sample capacity.
func (p *BlockPool) BlockSamples() int {
	return p.opts.BlockSamples
}

// InUse returns the number of checked-out blocks.
func (p *BlockPool) InUse() int {
	return int(p.inUse.Load())
}

// Capacity returns the maximum number of blocks.
func (p *BlockPool) Capacity() int {
	return p.opts.Blocks
}

// Checkout returns an empty block, waiting with backoff while the pool is
// drained. Waiting past the hard ceiling is fatal: it means blocks are
// leaking or demand is unbounded.
func (p *BlockPool) Checkout(ctx context.Context) (*Block, error) {
	deadline := time.Now().Add(p.opts.HardCeiling)
	backoff := retry.NewBackoff(p.opts.Wait, 16*p.opts.Wait)
	for {
		select {
		case b := <-p.free:
			return p.lease(b), nil
		default:
		}
		if b := p.grow(); b != nil {
			return p.lease(b), nil
		}
		if time.Now().After(deadline) {
			p.opts.Fatal("archive: block pool exhausted: %d/%d blocks checked out for %s", p.InUse(), p.opts.Blocks, p.opts.HardCeiling)
			return nil, ErrPoolExhausted
		}
		poolWaits.Inc()
		if total, suppressed, ok := p.waitLog.Inc(); ok {
			log.Printf("archive: block pool empty (%d in use), waiting (waits=%d suppressed=%d)", p.InUse(), total, suppressed)
		}
		timer := time.NewTimer(backoff.Next())
		select {
		case b := <-p.free:
			timer.Stop()
			return p.lease(b), nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release returns b to the free list.
func (p *BlockPool) Release(b *Block) {
	if b == nil || b.pool != p {
		return
	}
	if !b.leased.CompareAndSwap(true, false) {
		log.Printf("archive: block for %s at %s released twice", b.Channel, b.Start.Format(time.RFC3339))
		return
	}
	b.Channel = channel.ID{}
	b.Start = time.Time{}
	b.Rate = 0
	b.Samples = b.Samples[:0]
	p.inUse.Add(-1)
	poolInUse.Dec()
	select {
	case p.free <- b:
	default:
	}
}

// ReleaseAll releases every block in blocks.
func (p *BlockPool) ReleaseAll(blocks []*Block) {
	for _, b := range blocks {
		p.Release(b)
	}
}

// Fill copies samples into as many pooled blocks as needed. A run larger
// than the whole pool fails with ErrPoolExhausted without waiting. On error
// every block checked out so far is released.
func (p *BlockPool) Fill(ctx context.Context, ch channel.ID, start time.Time, rate float64, samples []int32) ([]*Block, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("archive: fill %s: invalid rate %g", ch, rate)
	}
	if need := (len(samples) + p.opts.BlockSamples - 1) / p.opts.BlockSamples; need > p.opts.Blocks {
		return nil, fmt.Errorf("archive: fill %s needs %d blocks, pool holds %d: %w", ch, need, p.opts.Blocks, ErrPoolExhausted)
	}
	var out []*Block
	for off := 0; off < len(samples); off += p.opts.BlockSamples {
		end := off + p.opts.BlockSamples
		if end > len(samples) {
			end = len(samples)
		}
		b, err := p.Checkout(ctx)
		if err != nil {
			p.ReleaseAll(out)
			return nil, err
		}
		b.Channel = ch
		b.Start = start.Add(time.Duration(float64(off) / rate * float64(time.Second)))
		b.Rate = rate
		b.Samples = append(b.Samples, samples[off:end]...)
		out = append(out, b)
	}
	return out, nil
}

func (p *BlockPool) grow() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allocated >= p.opts.Blocks {
		return nil
	}
	p.allocated++
	return &Block{pool: p, Samples: make([]int32, 0, p.opts.BlockSamples)}
}

func (p *BlockPool) lease(b *Block) *Block {
	b.leased.Store(true)
	p.inUse.Add(1)
	poolInUse.Inc()
	return b
}
