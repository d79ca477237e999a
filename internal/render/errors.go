package render

import (
	"errors"
	"fmt"
)

// Kind classifies a failed attempt.
type Kind string

// Failure kinds.
const (
	KindNavigationTimeout   Kind = "navigation_timeout"
	KindNavigation          Kind = "navigation_error"
	KindContentTooThin      Kind = "content_too_thin"
	KindInterstitialBlocked Kind = "interstitial_blocked"
	KindHandleLost          Kind = "handle_lost"
	KindCleanup             Kind = "cleanup_failure"
)

// Sentinels matched with errors.Is. Adapters wrap these so the fetcher can
// classify engine errors without knowing the engine.
var (
	ErrNavigationTimeout   = errors.New("navigation timeout")
	ErrNavigation          = errors.New("navigation error")
	ErrContentTooThin      = errors.New("content too thin")
	ErrInterstitialBlocked = errors.New("interstitial blocked")
	ErrHandleLost          = errors.New("handle lost")
	ErrCleanup             = errors.New("resource cleanup failure")
)

// Checked in order; the first match wins.
var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindHandleLost, ErrHandleLost},
	{KindNavigationTimeout, ErrNavigationTimeout},
	{KindInterstitialBlocked, ErrInterstitialBlocked},
	{KindContentTooThin, ErrContentTooThin},
	{KindNavigation, ErrNavigation},
	{KindCleanup, ErrCleanup},
}

func sentinelFor(kind Kind) error {
	for _, ks := range kindSentinels {
		if ks.kind == kind {
			return ks.err
		}
	}
	return nil
}

// Error is a classified attempt failure.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

// NewError wraps err with a kind and URL.
func NewError(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel := sentinelFor(e.Kind); sentinel != nil {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf reports the failure kind of err. Unclassified errors are treated as
// navigation errors.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindNavigation
}

// classify wraps an engine error with the kind implied by its sentinel.
func classify(url string, err error) *Error {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr
	}
	return NewError(KindOf(err), url, err)
}
