// Package ratelimit paces fetch attempts per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
)

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// Config holds rate limiter configuration. A non-positive PerHostRPS means
// no limit.
type Config struct {
	PerHostRPS   float64
	PerHostBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.PerHostBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveHostWait(host, waited)
	}
	return nil
}

// Hosts reports how many hosts have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Wrap returns an Attempter that waits for the host's token before every
// attempt. A limiter without a rate returns next unchanged.
func (l *Limiter) Wrap(next render.Attempter) render.Attempter {
	if l.rate == rate.Inf {
		return next
	}
	return &pacedAttempter{next: next, limiter: l}
}

type pacedAttempter struct {
	next    render.Attempter
	limiter *Limiter
}

func (p *pacedAttempter) Attempt(
	ctx context.Context,
	rawURL string,
	strategy render.Strategy,
	attempt int,
	timeout time.Duration,
) (render.Capture, error) {
	if err := p.limiter.Wait(ctx, rawURL); err != nil {
		return render.Capture{}, render.NewError(render.KindNavigationTimeout, rawURL, err)
	}
	return p.next.Attempt(ctx, rawURL, strategy, attempt, timeout)
}
