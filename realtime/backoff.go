package realtime

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction of the delay that is randomized, 0..1.
	Jitter float64
}

// DefaultBackoff starts at 250ms and caps at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 250 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if b.Max > 0 && delay >= float64(b.Max) {
			delay = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		spread := delay * b.Jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
