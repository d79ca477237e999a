package render

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ScrollConfig controls the staged scroll that triggers lazy-loaded content.
type ScrollConfig struct {
	Enabled      bool
	Pause        time.Duration
	MinSteps     int
	PartialRatio float64
	PartialWait  time.Duration
	ImageWait    time.Duration
	ImagePoll    time.Duration
}

// DefaultScrollConfig mirrors the tuned values of the production fetcher.
func DefaultScrollConfig() ScrollConfig {
	return ScrollConfig{
		Enabled:      true,
		Pause:        800 * time.Millisecond,
		MinSteps:     3,
		PartialRatio: 0.8,
		PartialWait:  2 * time.Second,
		ImageWait:    5 * time.Second,
		ImagePoll:    250 * time.Millisecond,
	}
}

const (
	pageMetricsJS = `[document.body ? document.body.scrollHeight : 0, window.innerHeight]`
	imageRatioJS  = `(() => {
	const imgs = Array.from(document.images);
	if (imgs.length === 0) return 1;
	return imgs.filter(i => i.complete).length / imgs.length;
})()`
	scrollBottomJS = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0)`
	scrollTopJS    = `window.scrollTo(0, 0)`
)

// ScrollSteps returns max(minSteps, pageHeight/viewportHeight + 1).
func ScrollSteps(pageHeight, viewportHeight float64, minSteps int) int {
	steps := minSteps
	if viewportHeight > 0 {
		if n := int(pageHeight/viewportHeight) + 1; n > steps {
			steps = n
		}
	}
	if steps < 1 {
		steps = 1
	}
	return steps
}

// scroll walks the page in viewport-height increments, waits for images and
// returns to the top. Failures are logged and swallowed.
func (f *PageFetcher) scroll(ctx context.Context, sess Session, logger *zap.Logger) {
	cfg := f.cfg.Scroll
	if !cfg.Enabled {
		return
	}
	var metrics []float64
	if err := sess.Evaluate(ctx, pageMetricsJS, &metrics); err != nil || len(metrics) != 2 {
		logger.Debug("scroll metrics unavailable", zap.Error(err))
		return
	}
	pageHeight, viewHeight := metrics[0], metrics[1]
	steps := ScrollSteps(pageHeight, viewHeight, cfg.MinSteps)
	for i := 1; i <= steps; i++ {
		y := int64(pageHeight * float64(i) / float64(steps))
		if err := sess.Evaluate(ctx, fmt.Sprintf("window.scrollTo(0, %d)", y), nil); err != nil {
			logger.Debug("scroll step failed", zap.Int("step", i), zap.Error(err))
			return
		}
		if err := f.sleep(ctx, cfg.Pause); err != nil {
			return
		}
	}
	f.waitImages(ctx, sess, cfg.PartialRatio, cfg.PartialWait)
	if err := sess.Evaluate(ctx, scrollBottomJS, nil); err == nil {
		_ = f.sleep(ctx, cfg.Pause)
	}
	f.waitImages(ctx, sess, 1, cfg.ImageWait)
	if err := sess.Evaluate(ctx, scrollTopJS, nil); err != nil {
		logger.Debug("scroll to top failed", zap.Error(err))
		return
	}
	_ = f.sleep(ctx, cfg.Pause)
}

// waitImages polls until at least ratio of the images are complete or the
// bound elapses.
func (f *PageFetcher) waitImages(ctx context.Context, sess Session, ratio float64, bound time.Duration) {
	if bound <= 0 {
		return
	}
	poll := f.cfg.Scroll.ImagePoll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for waited := time.Duration(0); waited < bound; waited += poll {
		var got float64
		if err := sess.Evaluate(ctx, imageRatioJS, &got); err != nil || got >= ratio {
			return
		}
		if err := f.sleep(ctx, poll); err != nil {
			return
		}
	}
}
