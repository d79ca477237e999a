package render

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/renderfetch/internal/metrics"
)

// PacedLauncher spaces out browser launches so a burst of workers does not
// start every browser at once.
type PacedLauncher struct {
	next    Launcher
	limiter *rate.Limiter
}

// NewPacedLauncher wraps next with a launch limiter. A non-positive rate
// returns next unchanged.
func NewPacedLauncher(next Launcher, perSecond float64) Launcher {
	if perSecond <= 0 {
		return next
	}
	return &PacedLauncher{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Launch waits for a launch slot and delegates.
func (p *PacedLauncher) Launch(ctx context.Context, opts SessionOptions) (Session, error) {
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("launch limiter: %w", err)
	}
	metrics.ObserveLaunchWait(time.Since(start))
	return p.next.Launch(ctx, opts)
}
