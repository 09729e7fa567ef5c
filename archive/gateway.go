package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"waveserver/channel"
	"waveserver/internal/retry"
)

// Gateway answers historical queries with time-ordered blocks. Callers own
// the returned blocks and release them when done.
type Gateway interface {
	Query(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) ([]*Block, error)
}

// Source is one named path in a Chain.
type Source struct {
	Name    string
	Gateway Gateway
}

// Chain queries its sources in order, retrying each with the configured
// policy, and returns the first non-empty answer. A source that fails after
// its retries is logged and the next source is tried.
type Chain struct {
	sources []Source
	policy  retry.Policy
}

// NewChain builds a chain; nil gateways are skipped.
func NewChain(policy retry.Policy, sources ...Source) *Chain {
	c := &Chain{policy: policy}
	for _, s := range sources {
		if s.Gateway != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Len returns the number of configured sources.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.sources)
}

// Query implements Gateway.
func (c *Chain) Query(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) ([]*Block, error) {
	if c == nil || len(c.sources) == 0 {
		return nil, nil
	}
	var errs []error
	for _, src := range c.sources {
		var blocks []*Block
		err := retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
			var qerr error
			blocks, qerr = src.Gateway.Query(ctx, ch, start, dur)
			if qerr != nil && attempt > 1 {
				log.Printf("archive: %s query %s attempt %d: %v", src.Name, ch, attempt, qerr)
			}
			if errors.Is(qerr, context.Canceled) || errors.Is(qerr, context.DeadlineExceeded) || errors.Is(qerr, ErrPoolExhausted) {
				return retry.Permanent(qerr)
			}
			return qerr
		})
		if err != nil {
			log.Printf("archive: %s query %s failed: %v", src.Name, ch, err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(blocks) > 0 {
			return blocks, nil
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("archive: query %s: %w", ch, errors.Join(errs...))
	}
	return nil, nil
}
