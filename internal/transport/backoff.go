package transport

import (
	"context"
	"math/rand"
	"time"
)

// Delay is the wait before retry attempt n (1-based). The first attempt waits
// InitialDelay; later attempts grow by Multiplier up to MaxDelay. Jitter scales
// the result into [0.5, 1.5).
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	d := b.InitialDelay
	for i := 1; i < n; i++ {
		if b.Multiplier > 1 {
			d = time.Duration(float64(d) * b.Multiplier)
		}
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if !b.Jitter || n <= 1 {
		return d
	}
	f := 0.5
	if rng != nil {
		f += rng.Float64()
	}
	return time.Duration(float64(d) * f)
}

// Wait blocks for the delay of attempt n or until ctx ends.
func (b BackoffConfig) Wait(ctx context.Context, n int, rng *rand.Rand) error {
	d := b.Delay(n, rng)
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
