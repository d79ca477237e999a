package render

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Scripts evaluated against the live document.
const (
	// navigationStatusJS reads the status from the Navigation Timing entry.
	navigationStatusJS = `(() => {
	const e = performance.getEntriesByType('navigation')[0];
	return e && e.responseStatus ? e.responseStatus : 0;
})()`

	readinessJS = `(() => ({
	root: document.querySelector(%s) !== null,
	state: document.readyState,
	href: location.href
}))()`

	// CurrentURLJS reads the address of the committed document.
	CurrentURLJS = `location.href`

	// ContentLengthJS measures the serialized document in characters.
	ContentLengthJS = `document.documentElement ? document.documentElement.outerHTML.length : 0`

	// StopLoadingJS aborts in-flight loading of the current document.
	StopLoadingJS = `window.stop()`
)

// ReadinessScript reports the root-node and document-state signals; it
// decodes into Readiness.
func ReadinessScript(rootSelector string) string {
	return fmt.Sprintf(readinessJS, jsString(rootSelector))
}

// Readiness is the decoded value of ReadinessScript.
type Readiness struct {
	Root  bool   `json:"root"`
	State string `json:"state"`
	Href  string `json:"href"`
}

// Ready applies OR semantics: either signal alone suffices. The blank
// document a tab starts on never counts, since the dispatched navigation
// has not committed yet.
func (r Readiness) Ready() bool {
	if r.Href == BlankPage {
		return false
	}
	return r.Root || r.State == "interactive" || r.State == "complete"
}

// BlankPage is the document a new tab shows before navigation commits.
const BlankPage = "about:blank"

// IsErrorPage reports whether href is the browser's own network error page.
func IsErrorPage(href string) bool {
	return strings.HasPrefix(href, "chrome-error://")
}

// StatusResolver settles the status code of a captured page through layered
// fallbacks.
type StatusResolver struct {
	RootSelector     string
	MinContentLength int
}

// Resolve returns the first known status from: the navigation response, the
// network-event log matching url, the Navigation Timing entry, and finally a
// heuristic of 200 when the root node is present and the content is long
// enough, else 0.
func (r StatusResolver) Resolve(ctx context.Context, sess Session, target string, navStatus int, html string) int {
	if navStatus > 0 {
		return navStatus
	}
	if code := sess.LastStatusCode(target); code > 0 {
		return code
	}
	var code int
	if err := sess.Evaluate(ctx, navigationStatusJS, &code); err == nil && code > 0 {
		return code
	}
	if HasRootNode(html, r.RootSelector) && ContentLength(html) >= r.MinContentLength {
		return 200
	}
	return 0
}

// SameURL compares two URLs ignoring fragments, default ports, host case and
// a trailing slash.
func SameURL(a, b string) bool {
	return normalizeURL(a) == normalizeURL(b)
}

func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""
	return u.String()
}
