package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

// TabPool defaults.
const (
	DefaultTabTimeout   = 30 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	DefaultHardGrace    = 5 * time.Second
)

// TabPoolConfig tunes the polling loop.
type TabPoolConfig struct {
	PollInterval time.Duration
	// HardGrace is the minimum slack between the soft and hard deadline.
	HardGrace         time.Duration
	RootSelector      string
	MinContentLength  int
	Interstitials     []render.Interstitial
	FingerprintScript string
	Viewport          render.Viewport
}

func (c TabPoolConfig) withDefaults() TabPoolConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HardGrace <= 0 {
		c.HardGrace = DefaultHardGrace
	}
	if c.RootSelector == "" {
		c.RootSelector = "body"
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 100
	}
	return c
}

// HardDeadline is the absolute bound on one tab: max(2×soft, soft+grace).
func HardDeadline(soft, grace time.Duration) time.Duration {
	return max(2*soft, soft+grace)
}

// TabPool keeps up to MaxConcurrency navigations in flight inside one shared
// session. A single loop owns the session; tabs are inspected round-robin and
// never touched concurrently.
type TabPool struct {
	launcher render.Launcher
	cfg      TabPoolConfig
	opts     Options

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewTabPool builds the scheduler. The session is launched per Run with the
// first strategy of the profile's ladder.
func NewTabPool(launcher render.Launcher, cfg TabPoolConfig, opts Options) *TabPool {
	return &TabPool{
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		opts:     opts,
		now:      time.Now,
		sleep:    render.Sleep,
	}
}

type tabSlot struct {
	handle          render.Handle
	index           int
	url             string
	started         time.Time
	bypassAttempted bool
}

func (p *TabPool) softDeadline() time.Duration {
	if p.opts.Profile.Timeout > 0 {
		return p.opts.Profile.Timeout
	}
	return DefaultTabTimeout
}

// Run implements Scheduler.
func (p *TabPool) Run(ctx context.Context, urls []string) []render.Result {
	logger := p.opts.logger().Named("tabpool")
	slots := make([]*render.Result, len(urls))
	if len(urls) == 0 {
		return sink.Dense(urls, slots)
	}
	record := func(res render.Result) {
		slots[res.Index] = &res
		p.opts.finished(res)
	}

	strategy := p.opts.Profile.Strategies()[0]
	sess, err := p.launcher.Launch(ctx, render.SessionOptionsFor(strategy, p.cfg.Viewport, p.cfg.FingerprintScript))
	if err != nil {
		logger.Error("launch shared session", zap.Error(err))
		for i, u := range urls {
			record(render.Failed(i, u, render.NewError(render.KindHandleLost, u, err)))
		}
		return sink.Dense(urls, slots)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("session cleanup failed", zap.Error(err))
		}
		metrics.SetOpenTabs(0)
	}()

	soft := p.softDeadline()
	hard := HardDeadline(soft, p.cfg.HardGrace)
	maxTabs := p.opts.workers()
	active := make([]*tabSlot, 0, maxTabs)
	next := 0

	// open assigns the next URL to a new tab; failures, including navigations
	// the browser rejects at dispatch, are recorded and the following URL is
	// tried.
	open := func() *tabSlot {
		for next < len(urls) {
			i, u := next, urls[next]
			next++
			p.opts.started(i, u)
			h, err := sess.OpenTab(ctx, u)
			if err != nil {
				record(render.Failed(i, u, render.NewError(render.KindOf(err), u, err)))
				continue
			}
			return &tabSlot{handle: h, index: i, url: u, started: p.now()}
		}
		return nil
	}

	for len(active) < maxTabs {
		slot := open()
		if slot == nil {
			break
		}
		active = append(active, slot)
	}
	metrics.SetOpenTabs(len(active))

	for len(active) > 0 {
		for i := 0; i < len(active); {
			slot := active[i]
			res, done := p.poll(ctx, sess, slot, soft, hard, logger)
			if !done {
				i++
				continue
			}
			if err := sess.CloseTab(ctx, slot.handle); err != nil {
				logger.Debug("close tab", zap.String("url", slot.url), zap.Error(err))
			}
			record(res)
			if refill := open(); refill != nil {
				active[i] = refill
				i++
				continue
			}
			active = append(active[:i], active[i+1:]...)
		}
		metrics.SetOpenTabs(len(active))
		if len(active) == 0 {
			break
		}
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			for _, slot := range active {
				record(render.Failed(slot.index, slot.url, fmt.Errorf("batch canceled: %w", err)))
			}
			for ; next < len(urls); next++ {
				record(render.Failed(next, urls[next], fmt.Errorf("batch canceled: %w", err)))
			}
			break
		}
	}
	return sink.Dense(urls, slots)
}

// poll inspects one tab and reports whether it reached a terminal state.
func (p *TabPool) poll(
	ctx context.Context,
	sess render.Session,
	slot *tabSlot,
	soft, hard time.Duration,
	logger *zap.Logger,
) (render.Result, bool) {
	elapsed := p.now().Sub(slot.started)
	if elapsed >= hard {
		logger.Warn("tab abandoned", zap.String("url", slot.url), zap.Duration("after", elapsed))
		return render.Failed(slot.index, slot.url, render.NewError(render.KindNavigationTimeout, slot.url,
			fmt.Errorf("hard deadline %s exceeded", hard))), true
	}
	if err := sess.SwitchTo(slot.handle); err != nil {
		return p.lost(slot, err), true
	}

	if !slot.bypassAttempted && len(p.cfg.Interstitials) > 0 {
		slot.bypassAttempted = true
		var matched string
		err := sess.Evaluate(ctx, render.ProbeScript(p.cfg.Interstitials), &matched)
		if errors.Is(err, render.ErrHandleLost) {
			return p.lost(slot, err), true
		}
		if matched != "" {
			logger.Info("interstitial bypass attempted", zap.String("url", slot.url), zap.String("signature", matched))
		}
	}

	var readiness render.Readiness
	err := sess.Evaluate(ctx, render.ReadinessScript(p.cfg.RootSelector), &readiness)
	if errors.Is(err, render.ErrHandleLost) {
		return p.lost(slot, err), true
	}
	if err == nil && readiness.Ready() {
		return p.capture(ctx, sess, slot), true
	}
	if elapsed < soft {
		return render.Result{}, false
	}

	// Past the soft deadline: take what is there once it is long enough,
	// otherwise keep waiting for the hard deadline.
	var length int
	if err := sess.Evaluate(ctx, render.ContentLengthJS, &length); err != nil {
		if errors.Is(err, render.ErrHandleLost) {
			return p.lost(slot, err), true
		}
		return render.Result{}, false
	}
	if length < p.cfg.MinContentLength {
		return render.Result{}, false
	}
	if err := sess.Evaluate(ctx, render.StopLoadingJS, nil); err != nil {
		logger.Debug("stop loading", zap.String("url", slot.url), zap.Error(err))
	}
	return p.capture(ctx, sess, slot), true
}

func (p *TabPool) capture(ctx context.Context, sess render.Session, slot *tabSlot) render.Result {
	var href string
	if err := sess.Evaluate(ctx, render.CurrentURLJS, &href); err == nil && render.IsErrorPage(href) {
		return render.Failed(slot.index, slot.url, render.NewError(render.KindNavigation, slot.url,
			fmt.Errorf("browser error page %s", href)))
	}
	html, err := sess.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, render.ErrHandleLost) {
			return p.lost(slot, err)
		}
		return render.Failed(slot.index, slot.url, render.NewError(render.KindNavigation, slot.url, err))
	}
	if n := render.ContentLength(html); n < p.cfg.MinContentLength {
		return render.Failed(slot.index, slot.url, render.NewError(render.KindContentTooThin, slot.url,
			fmt.Errorf("%d characters, need %d", n, p.cfg.MinContentLength)))
	}
	resolver := render.StatusResolver{RootSelector: p.cfg.RootSelector, MinContentLength: p.cfg.MinContentLength}
	status := resolver.Resolve(ctx, sess, slot.url, 0, html)
	res := render.Succeeded(slot.index, slot.url, render.Capture{HTML: html, StatusCode: status})
	res.Strategy = p.opts.Profile.Strategies()[0].String()
	res.Attempts = 1
	return res
}

func (p *TabPool) lost(slot *tabSlot, err error) render.Result {
	return render.Failed(slot.index, slot.url, render.NewError(render.KindHandleLost, slot.url, err))
}
