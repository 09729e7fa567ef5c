// Package retry runs an operation a bounded number of times with exponential
// backoff between attempts. It replaces hand-written nested reconnect blocks.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. Zero values are replaced by defaults in Do.
type Policy struct {
	Attempts  int           // total attempts including the first
	BaseDelay time.Duration // delay before the second attempt
	MaxDelay  time.Duration // cap for the doubled delay
}

const (
	defaultAttempts  = 3
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// ErrPermanent marks an error that must not be retried. Wrap with Permanent.
var ErrPermanent = errors.New("retry: permanent failure")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent wraps err so Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Backoff is an exponential delay generator: base, 2*base, ... capped at max.
type Backoff struct {
	base time.Duration
	cur  time.Duration
	max  time.Duration
}

// NewBackoff normalizes base/max and starts at base.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, cur: base, max: max}
}

// Next returns the current delay and doubles it for the following call.
func (b *Backoff) Next() time.Duration {
	if b.cur >= b.max {
		return b.max
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d
}

// Reset restarts the sequence at the base delay.
func (b *Backoff) Reset() {
	b.cur = b.base
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	backoff := NewBackoff(p.BaseDelay, p.MaxDelay)
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt == p.Attempts {
			return err
		}
		if !Sleep(ctx, backoff.Next()) {
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// Sleep waits for d unless ctx is canceled first; it reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
