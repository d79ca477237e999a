// Package rendertest provides in-memory Session and Launcher fakes for tests.
package rendertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/JakeFAU/renderfetch/internal/render"
)

// Page scripts how the fake browser answers for one URL.
type Page struct {
	HTML      string
	NavStatus int
	LogStatus int
	NavErr    error
	// NeverReady keeps the readiness signals negative in tabs.
	NeverReady bool
	// ReadyAfter is the number of readiness probes answered negatively first.
	ReadyAfter int
	// SnapshotErr fails every snapshot with this error.
	SnapshotErr error
	// Blocked serves this HTML until a bypass click happens.
	Blocked string
	// BlankPolls keeps a tab on about:blank for this many readiness probes,
	// as when the server has not answered yet.
	BlankPolls int
	// NeverCommits leaves a tab on about:blank for good.
	NeverCommits bool
	// ErrorPage makes a tab land on the browser's network error page.
	ErrorPage bool
	// OpenErr fails OpenTab, as when the browser rejects the navigation.
	OpenErr error
}

const (
	blankHTML     = "<html><head></head><body></body></html>"
	errorPageHref = "chrome-error://chromewebdata/"
)

// errorPageHTML stands in for the browser's network error page, which is
// long enough to pass any content threshold.
var errorPageHTML = "<html><head><title>example.com</title></head><body><div id=\"main-frame-error\">" +
	strings.Repeat("This site can't be reached. ", 20) + "</div></body></html>"

// Launcher hands out fake sessions and creates a real profile directory for
// each so cleanup can be asserted on disk.
type Launcher struct {
	Pages     map[string]Page
	ProfileIn string
	LaunchErr error

	mu       sync.Mutex
	sessions []*Session
	opts     []render.SessionOptions
}

// NewLauncher builds a launcher serving pages and placing profiles in dir.
func NewLauncher(dir string, pages map[string]Page) *Launcher {
	return &Launcher{Pages: pages, ProfileIn: dir}
}

// Launch creates a session with its own profile directory.
func (l *Launcher) Launch(_ context.Context, opts render.SessionOptions) (render.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	dir, err := os.MkdirTemp(l.ProfileIn, "profile-*")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	s := NewSession(l.Pages)
	s.profileDir = dir
	l.sessions = append(l.sessions, s)
	l.opts = append(l.opts, opts)
	return s, nil
}

// Sessions returns every session launched so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Options returns the options of every launch in order.
func (l *Launcher) Options() []render.SessionOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]render.SessionOptions(nil), l.opts...)
}

type tab struct {
	url      string
	polls    int
	bypassed bool
	closed   bool
}

// Session is a fake browser session. Tab "main" exists from the start.
type Session struct {
	pages      map[string]Page
	profileDir string

	mu        sync.Mutex
	tabs      map[render.Handle]*tab
	current   render.Handle
	nextID    int
	closes    int
	stops     int
	opened    []string
	lost      map[render.Handle]bool
	evaluated []string
}

// NewSession builds a session without a profile directory.
func NewSession(pages map[string]Page) *Session {
	return &Session{
		pages:   pages,
		tabs:    map[render.Handle]*tab{"main": {}},
		current: "main",
		lost:    map[render.Handle]bool{},
	}
}

// Lose marks a tab as crashed.
func (s *Session) Lose(h render.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost[h] = true
}

// Closes reports how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Stops reports how many times loading was stopped.
func (s *Session) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// Opened lists URLs passed to OpenTab in order.
func (s *Session) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// OpenTabs counts tabs not yet closed, excluding the main tab.
func (s *Session) OpenTabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, t := range s.tabs {
		if h != "main" && !t.closed {
			n++
		}
	}
	return n
}

// Evaluated lists every evaluated expression.
func (s *Session) Evaluated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evaluated...)
}

func (s *Session) cur() (*tab, error) {
	t, ok := s.tabs[s.current]
	if !ok || t.closed || s.lost[s.current] {
		return nil, fmt.Errorf("tab %s: %w", s.current, render.ErrHandleLost)
	}
	return t, nil
}

func (s *Session) page(t *tab) Page {
	return s.pages[t.url]
}

// Navigate implements render.Session.
func (s *Session) Navigate(ctx context.Context, url string, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t, err := s.cur()
	if err != nil {
		return 0, err
	}
	t.url = url
	p := s.page(t)
	if p.NavErr != nil {
		return 0, p.NavErr
	}
	return p.NavStatus, nil
}

// WaitReady implements render.Session.
func (s *Session) WaitReady(ctx context.Context, _ string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.cur()
	return err
}

// Evaluate implements render.Session by recognising the scripts the
// orchestration sends.
func (s *Session) Evaluate(ctx context.Context, expr string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := s.cur()
	if err != nil {
		return err
	}
	s.evaluated = append(s.evaluated, expr)
	p := s.page(t)

	var value any
	switch {
	case strings.Contains(expr, "document.readyState"):
		t.polls++
		if s.blank(t, p) {
			value = map[string]any{"root": true, "state": "complete", "href": render.BlankPage}
			break
		}
		ready := !p.NeverReady && t.polls > p.ReadyAfter
		state := "loading"
		if ready {
			state = "complete"
		}
		value = map[string]any{"root": ready, "state": state, "href": s.href(t, p)}
	case expr == render.CurrentURLJS:
		value = s.href(t, p)
	case strings.Contains(expr, "outerHTML.length"):
		value = len(s.html(t, p))
	case strings.Contains(expr, "window.stop"):
		s.stops++
	case strings.Contains(expr, "getEntriesByType"):
		value = 0
	case strings.Contains(expr, "window.innerHeight"):
		value = []float64{2000, 1000}
	case strings.Contains(expr, "document.images"):
		value = 1.0
	case strings.Contains(expr, "clicked"):
		clicked := p.Blocked != ""
		t.bypassed = true
		value = clicked
	case strings.Contains(expr, "return '';"):
		value = ""
		if p.Blocked != "" {
			t.bypassed = true
			value = "blocked"
		}
	}
	if out == nil || value == nil {
		return nil
	}
	raw, err := jsoniter.Marshal(value)
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(raw, out)
}

// blank reports whether the tab still shows its starting document.
func (s *Session) blank(t *tab, p Page) bool {
	return p.NeverCommits || (p.BlankPolls > 0 && t.polls <= p.BlankPolls)
}

func (s *Session) href(t *tab, p Page) string {
	switch {
	case s.blank(t, p):
		return render.BlankPage
	case p.ErrorPage:
		return errorPageHref
	default:
		return t.url
	}
}

func (s *Session) html(t *tab, p Page) string {
	if s.blank(t, p) {
		return blankHTML
	}
	if p.ErrorPage {
		return errorPageHTML
	}
	if p.Blocked != "" && !t.bypassed {
		return p.Blocked
	}
	return p.HTML
}

// Snapshot implements render.Session.
func (s *Session) Snapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t, err := s.cur()
	if err != nil {
		return "", err
	}
	p := s.page(t)
	if p.SnapshotErr != nil {
		return "", p.SnapshotErr
	}
	return s.html(t, p), nil
}

// LastStatusCode implements render.Session.
func (s *Session) LastStatusCode(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[url].LogStatus
}

// OpenTab implements render.Session.
func (s *Session) OpenTab(_ context.Context, url string) (render.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, url)
	if err := s.pages[url].OpenErr; err != nil {
		return "", err
	}
	s.nextID++
	h := render.Handle(fmt.Sprintf("tab-%d", s.nextID))
	s.tabs[h] = &tab{url: url}
	return h, nil
}

// SwitchTo implements render.Session.
func (s *Session) SwitchTo(h render.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[h]
	if !ok || t.closed || s.lost[h] {
		return fmt.Errorf("switch to %s: %w", h, render.ErrHandleLost)
	}
	s.current = h
	return nil
}

// CloseTab implements render.Session.
func (s *Session) CloseTab(_ context.Context, h render.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[h]
	if !ok {
		return errors.New("unknown tab")
	}
	t.closed = true
	return nil
}

// Close implements render.Session and removes the profile directory.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closes > 1 || s.profileDir == "" {
		return nil
	}
	if err := os.RemoveAll(s.profileDir); err != nil {
		return fmt.Errorf("remove profile: %w: %w", render.ErrCleanup, err)
	}
	return nil
}
