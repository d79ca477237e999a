package render

import (
	"context"
	"time"
)

// Handle identifies one tab inside a Session.
type Handle string

// SessionOptions is what create(profile) receives. The fingerprint script is
// an opaque payload injected into every new document.
type SessionOptions struct {
	Headless          bool
	Mobile            bool
	UserAgent         string
	Viewport          Viewport
	FingerprintScript string
}

// Launcher creates browser sessions. Each session owns its own browser
// process and an isolated profile directory.
type Launcher interface {
	Launch(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is the browser-engine capability the orchestration is written
// against. Navigation, evaluation and snapshots act on the current tab.
// A Session is not safe for concurrent use.
type Session interface {
	// Navigate loads url and waits for DOMContentLoaded, bounded by timeout.
	// It returns the navigation response status, 0 when unknown. A timeout
	// wraps ErrNavigationTimeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) (int, error)
	// WaitReady waits until selector matches a node in the current document.
	WaitReady(ctx context.Context, selector string, timeout time.Duration) error
	// Evaluate runs a JavaScript expression and decodes its JSON value into
	// out. A nil out discards the value.
	Evaluate(ctx context.Context, expr string, out any) error
	// Snapshot returns the serialized DOM of the current document.
	Snapshot(ctx context.Context) (string, error)
	// LastStatusCode inspects the network-event log of the current tab for a
	// response matching url. It returns 0 when nothing matches.
	LastStatusCode(url string) int
	// OpenTab opens a tab and dispatches navigation to url without waiting
	// for it to load. Focus does not move to the new tab.
	OpenTab(ctx context.Context, url string) (Handle, error)
	// SwitchTo moves focus to the tab. Unknown or crashed tabs wrap
	// ErrHandleLost.
	SwitchTo(handle Handle) error
	// CloseTab closes the tab and drops its event log.
	CloseTab(ctx context.Context, handle Handle) error
	// Close terminates the browser and removes the profile directory. It is
	// safe to call more than once; only the first call does work. A removal
	// failure wraps ErrCleanup.
	Close() error
}
