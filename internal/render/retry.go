package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/metrics"
)

// Attempter performs one fetch attempt under a strategy.
type Attempter interface {
	Attempt(ctx context.Context, url string, strategy Strategy, attempt int, timeout time.Duration) (Capture, error)
}

// DefaultMaxRetries is the per-strategy retry budget used by the service
// defaults.
const DefaultMaxRetries = 2

// RetryConfig holds the engine-wide settings. The retry budget, strategy
// ladder and timeout come from the per-batch Profile.
type RetryConfig struct {
	MinContentLength int
	Backoff          Backoff
}

// DefaultRetryConfig returns the production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MinContentLength: 100,
		Backoff:          Backoff{Step: time.Second, Max: 5 * time.Second},
	}
}

// RetryEngine walks the strategy ladder for one URL and stops at the first
// capture that clears the content threshold.
type RetryEngine struct {
	attempter Attempter
	cfg       RetryConfig
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// NewRetryEngine wires an engine around an attempter.
func NewRetryEngine(attempter Attempter, cfg RetryConfig, logger *zap.Logger) *RetryEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 100
	}
	return &RetryEngine{
		attempter: attempter,
		cfg:       cfg,
		logger:    logger,
		sleep:     Sleep,
	}
}

// Fetch walks profile's strategy ladder, giving each strategy one attempt
// plus profile.MaxRetries retries, each bounded by profile.Timeout. It never
// fails: an exhausted ladder yields a failure Result with empty content and
// status 0.
func (e *RetryEngine) Fetch(ctx context.Context, req Request, profile Profile) Result {
	logger := e.logger.With(zap.Int("index", req.Index), zap.String("url", req.URL))
	retries := max(profile.MaxRetries, 0)
	timeout := profile.Timeout
	attempts := 0
	var lastErr error

ladder:
	for _, strategy := range profile.Strategies() {
		for try := 0; try <= retries; try++ {
			if try > 0 {
				if err := e.sleep(ctx, e.cfg.Backoff.Delay(try)); err != nil {
					lastErr = err
					break ladder
				}
			}
			if err := ctx.Err(); err != nil {
				lastErr = err
				break ladder
			}

			attempts++
			capture, err := e.attempt(ctx, req.URL, strategy, try, timeout)
			if err == nil {
				n := ContentLength(capture.HTML)
				if n >= e.cfg.MinContentLength {
					metrics.ObserveAttempt(strategy.String(), StatusSuccess)
					res := Succeeded(req.Index, req.URL, capture)
					res.Strategy = strategy.String()
					res.Attempts = attempts
					logger.Info("fetch succeeded",
						zap.String("strategy", strategy.String()),
						zap.Int("attempts", attempts),
						zap.Int("status_code", capture.StatusCode),
						zap.Int("length", n),
					)
					return res
				}
				err = NewError(KindContentTooThin, req.URL,
					fmt.Errorf("%d characters, need %d", n, e.cfg.MinContentLength))
			}
			lastErr = err
			kind := KindOf(err)
			metrics.ObserveAttempt(strategy.String(), string(kind))
			logger.Warn("fetch attempt failed",
				zap.String("strategy", strategy.String()),
				zap.Int("try", try),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			if kind == KindHandleLost {
				// The handle is gone; move on to the next strategy.
				break
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no strategies configured")
	}
	res := Failed(req.Index, req.URL, fmt.Errorf("all strategies exhausted: %w", lastErr))
	res.Attempts = attempts
	logger.Warn("fetch exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return res
}

func (e *RetryEngine) attempt(
	ctx context.Context,
	url string,
	strategy Strategy,
	try int,
	timeout time.Duration,
) (capture Capture, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(KindHandleLost, url, fmt.Errorf("attempt panicked: %v", r))
		}
	}()
	return e.attempter.Attempt(ctx, url, strategy, try, timeout)
}
