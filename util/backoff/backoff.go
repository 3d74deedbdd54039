package backoff

import (
	"context"
	"time"
)

// Backoff computes exponentially increasing delays between retries of a
// failing operation. The delay for attempt n is initial*multiplier^n,
// capped at max. Not safe for concurrent use; each retry loop owns one.
type Backoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	attempt    int
}

// New creates a Backoff starting at initial and growing by multiplier per
// attempt up to max.
func New(initial, max time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
	}
}

// NextDelay returns the delay for the current attempt and advances to the
// next one.
func (b *Backoff) NextDelay() time.Duration {
	d := b.delayFor(b.attempt)
	b.attempt++
	return d
}

// Wait blocks for the current attempt's delay or until ctx is done.
// Returns ctx.Err() when cancelled, nil after a full wait.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.NextDelay())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restarts the sequence from the initial delay. Call it after a
// successful operation so the next failure starts small again.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns how many delays have been consumed since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// CurrentDelay returns the delay the next Wait call would use.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.delayFor(b.attempt)
}

func (b *Backoff) delayFor(attempt int) time.Duration {
	d := float64(b.initial)
	for i := 0; i < attempt; i++ {
		d *= b.multiplier
		if time.Duration(d) >= b.max {
			return b.max
		}
	}
	if time.Duration(d) > b.max {
		return b.max
	}
	return time.Duration(d)
}
