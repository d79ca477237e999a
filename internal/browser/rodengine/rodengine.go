// Package rodengine implements render.Launcher on top of go-rod.
package rodengine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/browser"
	"github.com/JakeFAU/renderfetch/internal/render"
)

const (
	defaultOpTimeout       = 15 * time.Second
	defaultDispatchTimeout = 2 * time.Second
	readyPollInterval      = 100 * time.Millisecond
)

// Config controls the rod launcher.
type Config struct {
	browser.Options
	OpTimeout       time.Duration
	DispatchTimeout time.Duration
}

// Launcher starts one browser per session through the rod launcher.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher builds a rod launcher.
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
	return &Launcher{cfg: cfg, logger: logger.Named("rod")}
}

func (l *Launcher) processLauncher(ctx context.Context, opts render.SessionOptions, dir string) *launcher.Launcher {
	lc := launcher.New().
		Context(ctx).
		UserDataDir(dir).
		Leakless(false).
		NoSandbox(l.cfg.NoSandbox).
		HeadlessNew(opts.Headless).
		Set("disable-blink-features", "AutomationControlled")
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		lc = lc.Set("window-size", strconv.FormatInt(opts.Viewport.Width, 10), strconv.FormatInt(opts.Viewport.Height, 10))
	}
	if l.cfg.ExecPath != "" {
		lc = lc.Bin(l.cfg.ExecPath)
	}
	for _, raw := range l.cfg.ExtraFlags {
		name, value, hasValue := browser.ParseFlag(raw)
		if name == "" {
			continue
		}
		if hasValue {
			lc = lc.Set(flags.Flag(name), value)
		} else {
			lc = lc.Set(flags.Flag(name))
		}
	}
	return lc
}

// Launch starts the browser, connects and prepares the first page.
func (l *Launcher) Launch(ctx context.Context, opts render.SessionOptions) (render.Session, error) {
	dir, err := browser.NewProfileDir(l.cfg.ProfileRoot)
	if err != nil {
		return nil, err
	}
	procCtx, procCancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        l.cfg,
		opts:       opts,
		logger:     l.logger,
		dir:        dir,
		procCtx:    procCtx,
		procCancel: procCancel,
		tabs:       map[render.Handle]*tab{},
	}

	stop := context.AfterFunc(ctx, procCancel)
	defer stop()

	s.proc = l.processLauncher(procCtx, opts, dir)
	controlURL, err := s.proc.Launch()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("launch browser: %w", err), s.Close())
	}
	s.conn = rod.New().ControlURL(controlURL).Context(procCtx)
	if err := s.conn.Connect(); err != nil {
		return nil, errors.Join(fmt.Errorf("connect browser: %w", err), s.Close())
	}
	first, err := s.newTab()
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.main = first.handle
	s.current = first.handle
	l.logger.Debug("session started", zap.String("profile", dir), zap.Bool("headless", opts.Headless))
	return s, nil
}

type tab struct {
	handle  render.Handle
	page    *rod.Page
	cancel  context.CancelFunc
	log     browser.ResponseLog
	crashed atomic.Bool
}

func (t *tab) lost() bool {
	return t.crashed.Load() || t.page.GetContext().Err() != nil
}

// bound returns the page scoped to an operation deadline and the caller.
func (t *tab) bound(ctx context.Context, timeout time.Duration) (*rod.Page, context.Context, context.CancelFunc) {
	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(t.page.GetContext(), timeout)
	} else {
		opCtx, cancel = context.WithCancel(t.page.GetContext())
	}
	stop := context.AfterFunc(ctx, cancel)
	return t.page.Context(opCtx), opCtx, func() {
		stop()
		cancel()
	}
}

func (t *tab) onResponse(e *proto.NetworkResponseReceived) {
	if e.Response == nil {
		return
	}
	t.log.Add(browser.Response{
		URL:      e.Response.URL,
		Status:   e.Response.Status,
		LoaderID: string(e.LoaderID),
		Document: e.Type == proto.NetworkResourceTypeDocument,
	})
}

func (t *tab) onCrash(*proto.InspectorTargetCrashed) {
	t.crashed.Store(true)
}

// newTab creates a blank page with the session emulation applied and its
// event listeners running.
func (s *Session) newTab() (*tab, error) {
	p, err := s.conn.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	tabCtx, cancel := context.WithCancel(s.procCtx)
	t := &tab{handle: render.Handle(p.TargetID), page: p.Context(tabCtx), cancel: cancel}
	if err := s.emulate(t.page); err != nil {
		cancel()
		_ = p.Close()
		return nil, err
	}
	go t.page.EachEvent(t.onResponse, t.onCrash)()

	s.mu.Lock()
	s.tabs[t.handle] = t
	s.mu.Unlock()
	return t, nil
}

func (s *Session) emulate(p *rod.Page) error {
	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if err := (proto.PageEnable{}).Call(p); err != nil {
		return fmt.Errorf("enable page: %w", err)
	}
	if err := (proto.InspectorEnable{}).Call(p); err != nil {
		return fmt.Errorf("enable inspector: %w", err)
	}
	vp := s.opts.Viewport
	if vp.Width > 0 && vp.Height > 0 {
		scale := vp.Scale
		if scale <= 0 {
			scale = 1
		}
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             int(vp.Width),
			Height:            int(vp.Height),
			DeviceScaleFactor: scale,
			Mobile:            s.opts.Mobile,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if s.opts.Mobile {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(p); err != nil {
			return fmt.Errorf("enable touch: %w", err)
		}
	}
	if s.opts.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.opts.UserAgent}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if s.opts.FingerprintScript != "" {
		if _, err := p.EvalOnNewDocument(s.opts.FingerprintScript); err != nil {
			return fmt.Errorf("inject fingerprint script: %w", err)
		}
	}
	return nil
}

// Session is a rod-backed render.Session.
type Session struct {
	cfg    Config
	opts   render.SessionOptions
	logger *zap.Logger
	dir    string

	procCtx    context.Context
	procCancel context.CancelFunc
	proc       *launcher.Launcher
	conn       *rod.Browser

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
	p, opCtx, cancel := t.bound(ctx, timeout)
	defer cancel()

	wait := p.WaitEvent(&proto.PageDomContentEventFired{})
	res, err := proto.PageNavigate{URL: url}.Call(p)
	if err != nil {
		if t.lost() {
			return 0, fmt.Errorf("navigate %s: %w: %w", url, render.ErrHandleLost, err)
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("navigate %s: %w", url, ctx.Err())
		}
		if opCtx.Err() != nil {
			return 0, fmt.Errorf("navigate %s after %s: %w", url, timeout, render.ErrNavigationTimeout)
		}
		return 0, fmt.Errorf("navigate %s: %w: %w", url, render.ErrNavigation, err)
	}
	if res.ErrorText != "" {
		return 0, fmt.Errorf("navigate %s: %s: %w", url, res.ErrorText, render.ErrNavigation)
	}

	wait()
	status := t.log.DocumentStatus(string(res.LoaderID))
	switch {
	case t.lost():
		return 0, fmt.Errorf("navigate %s: %w", url, render.ErrHandleLost)
	case ctx.Err() != nil:
		return 0, fmt.Errorf("navigate %s: %w", url, ctx.Err())
	case opCtx.Err() != nil:
		return status, fmt.Errorf("dom content loaded %s after %s: %w", url, timeout, render.ErrNavigationTimeout)
	}
	return status, nil
}

func evaluate(p *rod.Page, expr string, out any) error {
	res, err := proto.RuntimeEvaluate{Expression: expr, ReturnByValue: true}.Call(p)
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("script exception: %s", res.ExceptionDetails.Text)
	}
	if out == nil || res.Result == nil {
		return nil
	}
	return res.Result.Value.Unmarshal(out)
}

// WaitReady polls for selector in the current document.
func (s *Session) WaitReady(ctx context.Context, selector string, timeout time.Duration) error {
	t, err := s.currentTab()
	if err != nil {
		return err
	}
	p, opCtx, cancel := t.bound(ctx, timeout)
	defer cancel()

	quoted, err := jsoniter.MarshalToString(selector)
	if err != nil {
		return fmt.Errorf("quote selector: %w", err)
	}
	expr := "document.querySelector(" + quoted + ") !== null"
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		var found bool
		if err := evaluate(p, expr, &found); err == nil && found {
			return nil
		}
		select {
		case <-opCtx.Done():
			return opError(ctx, t, "wait for "+selector, opCtx.Err())
		case <-ticker.C:
		}
	}
}

// Evaluate runs expr and decodes its value into out.
func (s *Session) Evaluate(ctx context.Context, expr string, out any) error {
	t, err := s.currentTab()
	if err != nil {
		return err
	}
	p, _, cancel := t.bound(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := evaluate(p, expr, out); err != nil {
		return opError(ctx, t, "evaluate", err)
	}
	return nil
}

// Snapshot returns the serialized DOM.
func (s *Session) Snapshot(ctx context.Context) (string, error) {
	var html string
	if err := s.Evaluate(ctx, `document.documentElement ? document.documentElement.outerHTML : ""`, &html); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
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

// OpenTab creates a page and dispatches navigation without waiting for it.
// A navigation the browser rejects outright closes the page and returns an
// error wrapping render.ErrNavigation.
func (s *Session) OpenTab(ctx context.Context, url string) (render.Handle, error) {
	t, err := s.newTab()
	if err != nil {
		return "", fmt.Errorf("open tab: %w: %w", render.ErrHandleLost, err)
	}
	p, _, cancel := t.bound(ctx, s.cfg.DispatchTimeout)
	res, err := proto.PageNavigate{URL: url}.Call(p)
	cancel()
	switch {
	case err != nil && !errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("tab navigation dispatch failed", zap.String("url", url), zap.Error(err))
	case err == nil && res.ErrorText != "":
		if cerr := s.CloseTab(ctx, t.handle); cerr != nil {
			s.logger.Debug("close failed tab", zap.String("url", url), zap.Error(cerr))
		}
		return "", fmt.Errorf("open tab %s: %s: %w", url, res.ErrorText, render.ErrNavigation)
	}
	return t.handle, nil
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

	p, _, cancel := t.bound(context.Background(), s.cfg.DispatchTimeout)
	defer cancel()
	if _, err := p.Activate(); err != nil && !t.lost() {
		s.logger.Debug("activate tab failed", zap.String("handle", string(h)), zap.Error(err))
	}
	return nil
}

// CloseTab closes the page. Focus falls back to the first tab.
func (s *Session) CloseTab(ctx context.Context, h render.Handle) error {
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
	p, _, cancel := t.bound(ctx, s.cfg.DispatchTimeout)
	err := p.Close()
	cancel()
	t.cancel()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("close tab %s: %w", h, err)
	}
	return nil
}

// Close shuts the browser down, waits for the process and removes the
// profile directory.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for h, t := range s.tabs {
			t.cancel()
			delete(s.tabs, h)
		}
		s.mu.Unlock()

		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Debug("graceful browser close failed", zap.Error(err))
				if s.proc != nil {
					s.proc.Kill()
				}
			}
		}
		if s.proc != nil && s.proc.PID() != 0 {
			// Waits for the process to exit.
			s.proc.Cleanup()
		}
		s.procCancel()
		s.closeErr = browser.RemoveProfile(s.dir)
	})
	return s.closeErr
}
