package render

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff grows the pause linearly with each retry of the same strategy and
// adds up to Jitter of random noise.
type Backoff struct {
	Step   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay returns the wait before retry number retry (1-based).
func (b Backoff) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	delay := b.Step * time.Duration(retry)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay + randomJitter(b.Jitter)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Sleep waits for d or until ctx ends.
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
