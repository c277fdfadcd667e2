// Package retry provides capped exponential backoff.
package retry

import (
	"context"
	"math"
	"time"
)

const DefaultFactor = 2.0

// Backoff computes exponentially growing delays capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Next returns the delay before the given attempt; attempt 0 waits Initial.
func (b Backoff) Next(attempt int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = DefaultFactor
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.Initial) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
