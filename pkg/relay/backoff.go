package relay

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements jittered exponential delay between reconnect attempts.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  float64
	current time.Duration
}

func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	b := &Backoff{initial: initial, max: max, jitter: jitter}
	b.Reset()
	return b
}

func (b *Backoff) Reset() {
	b.current = b.initial
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.current *= 2; b.current > b.max {
		b.current = b.max
	}
	if b.jitter > 0 {
		spread := float64(d) * b.jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for the next delay or until ctx is cancelled.
func (b *Backoff) Sleep(ctx context.Context) error {
	select {
	case <-time.After(b.Next()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
