package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// FetcherConfig tunes a single fetch attempt.
type FetcherConfig struct {
	RootSelector      string
	RootWait          time.Duration
	MinContentLength  int
	Settle            time.Duration
	SettleStep        time.Duration
	Jitter            time.Duration
	Scroll            ScrollConfig
	Interstitials     []Interstitial
	FingerprintScript string
	Viewport          Viewport
}

// DefaultFetcherConfig returns the production defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		RootSelector:     "body",
		RootWait:         10 * time.Second,
		MinContentLength: 100,
		Scroll:           DefaultScrollConfig(),
		Interstitials:    DefaultInterstitials(),
		Viewport:         DesktopViewport,
	}
}

// PageFetcher executes one fetch attempt. With Attempt it owns a fresh
// session per call; with Capture it works on a session the caller owns.
type PageFetcher struct {
	launcher Launcher
	cfg      FetcherConfig
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewPageFetcher wires a fetcher to a launcher.
func NewPageFetcher(launcher Launcher, cfg FetcherConfig, logger *zap.Logger) *PageFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RootSelector == "" {
		cfg.RootSelector = "body"
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 100
	}
	return &PageFetcher{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		sleep:    Sleep,
	}
}

// Config returns the fetcher configuration.
func (f *PageFetcher) Config() FetcherConfig {
	return f.cfg
}

// Attempt launches a session for strategy, captures url and always closes the
// session again. A failed cleanup is logged, never returned.
func (f *PageFetcher) Attempt(
	ctx context.Context,
	url string,
	strategy Strategy,
	attempt int,
	timeout time.Duration,
) (Capture, error) {
	logger := f.logger.With(
		zap.String("url", url),
		zap.String("strategy", strategy.String()),
		zap.Int("attempt", attempt),
	)
	if err := f.sleep(ctx, randomJitter(f.cfg.Jitter)); err != nil {
		return Capture{}, NewError(KindNavigation, url, err)
	}
	sess, err := f.launcher.Launch(ctx, SessionOptionsFor(strategy, f.cfg.Viewport, f.cfg.FingerprintScript))
	if err != nil {
		// Launch failures are usually resource pressure, so the strategy is
		// retried.
		return Capture{}, NewError(KindNavigation, url, fmt.Errorf("launch session: %w", err))
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("session cleanup failed", zap.Error(cerr))
		}
	}()
	return f.capture(ctx, sess, url, attempt, timeout, logger)
}

// Capture runs navigation, readiness, interstitial bypass, scrolling and
// status resolution on the session's current tab.
func (f *PageFetcher) Capture(
	ctx context.Context,
	sess Session,
	url string,
	attempt int,
	timeout time.Duration,
) (Capture, error) {
	return f.capture(ctx, sess, url, attempt, timeout, f.logger.With(zap.String("url", url)))
}

func (f *PageFetcher) capture(
	ctx context.Context,
	sess Session,
	url string,
	attempt int,
	timeout time.Duration,
	logger *zap.Logger,
) (Capture, error) {
	navStatus, err := sess.Navigate(ctx, url, timeout)
	if err != nil {
		if !errors.Is(err, ErrNavigationTimeout) {
			return Capture{}, classify(url, err)
		}
		// The page may never fire DOMContentLoaded but still hold content.
		html, snapErr := sess.Snapshot(ctx)
		if snapErr != nil || ContentLength(html) < f.cfg.MinContentLength {
			return Capture{}, NewError(KindNavigationTimeout, url, err)
		}
		logger.Info("navigation timed out, continuing with partial document", zap.Int("length", ContentLength(html)))
	}

	if err := f.sleep(ctx, f.cfg.Settle+f.cfg.SettleStep*time.Duration(attempt)); err != nil {
		return Capture{}, NewError(KindNavigationTimeout, url, err)
	}
	if err := sess.WaitReady(ctx, f.cfg.RootSelector, f.cfg.RootWait); err != nil {
		if errors.Is(err, ErrHandleLost) {
			return Capture{}, classify(url, err)
		}
		logger.Debug("root node wait ended without match", zap.Error(err))
	}

	if err := f.bypassInterstitial(ctx, sess, url, logger); err != nil {
		return Capture{}, err
	}

	f.scroll(ctx, sess, logger)

	html, err := sess.Snapshot(ctx)
	if err != nil {
		return Capture{}, NewError(KindHandleLost, url, fmt.Errorf("snapshot: %w", err))
	}
	resolver := StatusResolver{RootSelector: f.cfg.RootSelector, MinContentLength: f.cfg.MinContentLength}
	return Capture{
		HTML:       html,
		StatusCode: resolver.Resolve(ctx, sess, url, navStatus, html),
	}, nil
}

// bypassInterstitial clicks through a detected block page and re-waits. It
// fails only when the block page is still present afterwards.
func (f *PageFetcher) bypassInterstitial(ctx context.Context, sess Session, url string, logger *zap.Logger) error {
	if len(f.cfg.Interstitials) == 0 {
		return nil
	}
	html, err := sess.Snapshot(ctx)
	if err != nil {
		return NewError(KindHandleLost, url, fmt.Errorf("snapshot: %w", err))
	}
	sig, found := DetectInterstitial(html, f.cfg.Interstitials)
	if !found {
		return nil
	}
	logger.Info("interstitial detected", zap.String("signature", sig.Name))

	var clicked bool
	if err := sess.Evaluate(ctx, BypassScript(sig), &clicked); err != nil {
		return NewError(KindInterstitialBlocked, url, fmt.Errorf("bypass %s: %w", sig.Name, err))
	}
	if !clicked {
		return NewError(KindInterstitialBlocked, url, fmt.Errorf("bypass %s: no clickable element", sig.Name))
	}
	if err := f.sleep(ctx, sig.Wait); err != nil {
		return NewError(KindInterstitialBlocked, url, err)
	}
	if err := sess.WaitReady(ctx, f.cfg.RootSelector, f.cfg.RootWait); err != nil {
		logger.Debug("root node wait after bypass ended without match", zap.Error(err))
	}

	html, err = sess.Snapshot(ctx)
	if err != nil {
		return NewError(KindHandleLost, url, fmt.Errorf("snapshot: %w", err))
	}
	if _, still := DetectInterstitial(html, f.cfg.Interstitials); still {
		return NewError(KindInterstitialBlocked, url, fmt.Errorf("%s still present after bypass", sig.Name))
	}
	logger.Info("interstitial bypassed", zap.String("signature", sig.Name))
	return nil
}
