// Package cdpengine implements render.Launcher on top of chromedp.
package cdpengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/browser"
	"github.com/JakeFAU/renderfetch/internal/render"
)

const (
	defaultOpTimeout       = 15 * time.Second
	defaultDispatchTimeout = 2 * time.Second
)

// Config controls the chromedp launcher.
type Config struct {
	browser.Options
	// OpTimeout bounds evaluations and snapshots.
	OpTimeout time.Duration
	// DispatchTimeout bounds how long OpenTab waits for the navigation
	// command to be acknowledged.
	DispatchTimeout time.Duration
}

// Launcher starts one Chrome process per session.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher builds a chromedp launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	return &Launcher{cfg: cfg, logger: logger.Named("chromedp")}
}

// allocatorOptions starts from the chromedp defaults and layers the session
// settings on top.
func allocatorOptions(cfg Config, opts render.SessionOptions, dir string) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.UserDataDir(dir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-gpu", true),
	)
	if opts.Headless {
		out = append(out, chromedp.Flag("headless", "new"))
	} else {
		out = append(out, chromedp.Flag("headless", false), chromedp.Flag("hide-scrollbars", false))
	}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		out = append(out, chromedp.WindowSize(int(opts.Viewport.Width), int(opts.Viewport.Height)))
	}
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}
	if cfg.ExecPath != "" {
		out = append(out, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		out = append(out, chromedp.NoSandbox)
	}
	for _, raw := range cfg.ExtraFlags {
		name, value, hasValue := browser.ParseFlag(raw)
		if name == "" {
			continue
		}
		if hasValue {
			out = append(out, chromedp.Flag(name, value))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}
	return out
}

// Launch starts Chrome with a fresh profile and prepares the first tab.
func (l *Launcher) Launch(ctx context.Context, opts render.SessionOptions) (render.Session, error) {
	dir, err := browser.NewProfileDir(l.cfg.ProfileRoot)
	if err != nil {
		return nil, err
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg, opts, dir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:           l.cfg,
		opts:          opts,
		logger:        l.logger,
		dir:           dir,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          map[render.Handle]*tab{},
	}

	// Abort a hung launch when the caller gives up.
	stop := context.AfterFunc(ctx, browserCancel)
	err = chromedp.Run(browserCtx, setupTasks(opts))
	stop()
	if err != nil {
		closeErr := s.Close()
		return nil, errors.Join(fmt.Errorf("start chrome: %w", err), closeErr)
	}

	first := newTab(browserCtx, func() {})
	first.listen()
	s.main = first.handle()
	s.tabs[s.main] = first
	s.current = s.main
	l.logger.Debug("session started", zap.String("profile", dir), zap.Bool("headless", opts.Headless))
	return s, nil
}

func setupTasks(opts render.SessionOptions) chromedp.Tasks {
	scale := opts.Viewport.Scale
	if scale <= 0 {
		scale = 1
	}
	tasks := chromedp.Tasks{network.Enable()}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		tasks = append(tasks,
			emulation.SetDeviceMetricsOverride(opts.Viewport.Width, opts.Viewport.Height, scale, opts.Mobile))
	}
	if opts.Mobile {
		tasks = append(tasks, emulation.SetTouchEmulationEnabled(true))
	}
	if opts.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(opts.UserAgent))
	}
	if opts.FingerprintScript != "" {
		script := opts.FingerprintScript
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("inject fingerprint script: %w", err)
			}
			return nil
		}))
	}
	return tasks
}

// tab is one browser target with its own event log.
type tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	log     browser.ResponseLog
	crashed atomic.Bool

	mu       sync.Mutex
	domReady chan struct{}
}

func newTab(ctx context.Context, cancel context.CancelFunc) *tab {
	return &tab{ctx: ctx, cancel: cancel}
}

func (t *tab) handle() render.Handle {
	if c := chromedp.FromContext(t.ctx); c != nil && c.Target != nil {
		return render.Handle(c.Target.TargetID)
	}
	return "main"
}

func (t *tab) listen() {
	chromedp.ListenTarget(t.ctx, t.handleEvent)
}

func (t *tab) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		t.log.Add(browser.Response{
			URL:      e.Response.URL,
			Status:   int(e.Response.Status),
			LoaderID: string(e.LoaderID),
			Document: e.Type == network.ResourceTypeDocument,
		})
	case *page.EventDomContentEventFired:
		t.signalDOM()
	case *inspector.EventTargetCrashed:
		t.crashed.Store(true)
		t.signalDOM()
	}
}

// expectDOM arms a fresh DOMContentLoaded signal for the next navigation.
func (t *tab) expectDOM() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domReady = make(chan struct{})
	return t.domReady
}

func (t *tab) signalDOM() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.domReady != nil {
		close(t.domReady)
		t.domReady = nil
	}
}

func (t *tab) lost() bool {
	return t.crashed.Load() || t.ctx.Err() != nil
}

// bound derives an operation context from the tab that also ends with the
// caller's context.
func (t *tab) bound(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(t.ctx)
	}
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// Session is a chromedp-backed render.Session.
type Session struct {
	cfg    Config
	opts   render.SessionOptions
	logger *zap.Logger
	dir    string

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	tabs    map[render.Handle]*tab
	main    render.Handle
	current render.Handle

	closeOnce sync.Once
	closeErr  error
}

func (s *Session) currentTab() (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[s.current]
	if !ok || t.lost() {
		return nil, fmt.Errorf("tab %s: %w", s.current, render.ErrHandleLost)
	}
	return t, nil
}

// opError maps a chromedp failure onto the render sentinels.
func opError(ctx context.Context, t *tab, op string, err error) error {
	switch {
	case t.lost():
		return fmt.Errorf("%s: %w: %w", op, render.ErrHandleLost, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, render.ErrNavigationTimeout, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Navigate dispatches the navigation and waits for DOMContentLoaded.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) (int, error) {
	t, err := s.currentTab()
	if err != nil {
		return 0, err
	}
	opCtx, cancel := t.bound(ctx, timeout)
	defer cancel()

	ready := t.expectDOM()
	var (
		loaderID  cdp.LoaderID
		errorText string
	)
	err = chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var navErr error
		_, loaderID, errorText, _, navErr = page.Navigate(url).Do(ctx)
		return navErr
	}))
	if err != nil {
		if t.lost() {
			return 0, fmt.Errorf("navigate %s: %w: %w", url, render.ErrHandleLost, err)
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("navigate %s: %w", url, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("navigate %s after %s: %w", url, timeout, render.ErrNavigationTimeout)
		}
		return 0, fmt.Errorf("navigate %s: %w: %w", url, render.ErrNavigation, err)
	}
	if errorText != "" {
		return 0, fmt.Errorf("navigate %s: %s: %w", url, errorText, render.ErrNavigation)
	}

	select {
	case <-ready:
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return 0, fmt.Errorf("navigate %s: %w", url, ctx.Err())
		}
		return t.log.DocumentStatus(string(loaderID)),
			fmt.Errorf("dom content loaded %s after %s: %w", url, timeout, render.ErrNavigationTimeout)
	}
	if t.crashed.Load() {
		return 0, fmt.Errorf("navigate %s: tab crashed: %w", url, render.ErrHandleLost)
	}
	return t.log.DocumentStatus(string(loaderID)), nil
}

// WaitReady waits for selector to match in the current document.
func (s *Session) WaitReady(ctx context.Context, selector string, timeout time.Duration) error {
	t, err := s.currentTab()
	if err != nil {
		return err
	}
	opCtx, cancel := t.bound(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return opError(ctx, t, "wait for "+selector, err)
	}
	return nil
}

// Evaluate runs expr and decodes its value into out.
func (s *Session) Evaluate(ctx context.Context, expr string, out any) error {
	t, err := s.currentTab()
	if err != nil {
		return err
	}
	opCtx, cancel := t.bound(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := chromedp.Run(opCtx, chromedp.Evaluate(expr, out)); err != nil {
		return opError(ctx, t, "evaluate", err)
	}
	return nil
}

// Snapshot returns the serialized DOM.
func (s *Session) Snapshot(ctx context.Context) (string, error) {
	t, err := s.currentTab()
	if err != nil {
		return "", err
	}
	opCtx, cancel := t.bound(ctx, s.cfg.OpTimeout)
	defer cancel()
	var html string
	if err := chromedp.Run(opCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", opError(ctx, t, "snapshot", err)
	}
	return html, nil
}

// LastStatusCode looks url up in the current tab's response log.
func (s *Session) LastStatusCode(url string) int {
	s.mu.Lock()
	t, ok := s.tabs[s.current]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return t.log.LastStatus(url)
}

// OpenTab creates a target, applies the session emulation and dispatches
// navigation without waiting for the page. A navigation the browser rejects
// outright closes the tab and returns an error wrapping render.ErrNavigation.
func (s *Session) OpenTab(ctx context.Context, url string) (render.Handle, error) {
	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	t := newTab(tabCtx, tabCancel)

	setupCtx, cancel := t.bound(ctx, s.cfg.OpTimeout)
	err := chromedp.Run(setupCtx, setupTasks(s.opts))
	cancel()
	if err != nil {
		tabCancel()
		return "", fmt.Errorf("open tab: %w: %w", render.ErrHandleLost, err)
	}
	t.listen()

	dispatchCtx, cancel := t.bound(ctx, s.cfg.DispatchTimeout)
	err = chromedp.Run(dispatchCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err == nil && errorText != "" {
			err = fmt.Errorf("%s: %w", errorText, render.ErrNavigation)
		}
		return err
	}))
	cancel()
	switch {
	case errors.Is(err, render.ErrNavigation):
		tabCancel()
		return "", fmt.Errorf("open tab %s: %w", url, err)
	case err != nil && !errors.Is(err, context.DeadlineExceeded):
		// Slow servers outlive the dispatch window; the load carries on.
		s.logger.Debug("tab navigation dispatch failed", zap.String("url", url), zap.Error(err))
	}

	h := t.handle()
	s.mu.Lock()
	s.tabs[h] = t
	s.mu.Unlock()
	return h, nil
}

// SwitchTo focuses the tab.
func (s *Session) SwitchTo(h render.Handle) error {
	s.mu.Lock()
	t, ok := s.tabs[h]
	if !ok || t.lost() {
		s.mu.Unlock()
		return fmt.Errorf("switch to %s: %w", h, render.ErrHandleLost)
	}
	s.current = h
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(t.ctx, s.cfg.DispatchTimeout)
	defer cancel()
	if err := chromedp.Run(ctx, page.BringToFront()); err != nil && !t.lost() {
		s.logger.Debug("bring tab to front failed", zap.String("handle", string(h)), zap.Error(err))
	}
	return nil
}

// CloseTab closes the target. Focus falls back to the first tab.
func (s *Session) CloseTab(_ context.Context, h render.Handle) error {
	s.mu.Lock()
	t, ok := s.tabs[h]
	if ok && h != s.main {
		delete(s.tabs, h)
		if s.current == h {
			s.current = s.main
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("close tab %s: %w", h, render.ErrHandleLost)
	}
	if h == s.main {
		return nil
	}
	t.cancel()
	return nil
}

// Close shuts Chrome down and removes the profile directory.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		tabs := make([]*tab, 0, len(s.tabs))
		for _, t := range s.tabs {
			tabs = append(tabs, t)
		}
		s.tabs = map[render.Handle]*tab{}
		s.mu.Unlock()

		for _, t := range tabs {
			t.cancel()
		}
		if err := chromedp.Cancel(s.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("graceful browser close failed", zap.Error(err))
		}
		s.browserCancel()
		// Waits for the Chrome process to exit.
		s.allocCancel()
		s.closeErr = browser.RemoveProfile(s.dir)
	})
	return s.closeErr
}
