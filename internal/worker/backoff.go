package worker

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns an exponential delay for the given 1-based attempt, capped at max,
// with the upper half randomized.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
