package render_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/render/rendertest"
)

func pageHTML(body string) string {
	return "<html><head><title>t</title></head><body><main>" + body + "</main></body></html>"
}

func fastFetcherConfig() render.FetcherConfig {
	cfg := render.DefaultFetcherConfig()
	cfg.RootWait = 0
	cfg.Scroll = render.ScrollConfig{Enabled: true, MinSteps: 3}
	for i := range cfg.Interstitials {
		cfg.Interstitials[i].Wait = 0
	}
	return cfg
}

func requireNoProfiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "profile directories left behind")
}

func TestPageFetcher_AttemptCapturesAndCleansUp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	html := pageHTML(strings.Repeat("product ", 30))
	launcher := rendertest.NewLauncher(dir, map[string]rendertest.Page{
		"https://shop.example/p/1": {HTML: html, LogStatus: 203},
	})
	fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

	capture, err := fetcher.Attempt(context.Background(), "https://shop.example/p/1",
		render.Strategy{Headless: true, Device: render.DeviceMobile}, 0, time.Second)

	require.NoError(t, err)
	require.Equal(t, html, capture.HTML)
	require.Equal(t, 203, capture.StatusCode)
	sessions := launcher.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, 1, sessions[0].Closes())
	requireNoProfiles(t, dir)

	opts := launcher.Options()[0]
	require.True(t, opts.Headless)
	require.True(t, opts.Mobile)
	require.Equal(t, render.MobileUserAgent, opts.UserAgent)
	require.Equal(t, render.MobileViewport, opts.Viewport)

	stepPattern := regexp.MustCompile(`^window\.scrollTo\(0, [1-9][0-9]*\)$`)
	var scrolled int
	for _, expr := range sessions[0].Evaluated() {
		if stepPattern.MatchString(expr) {
			scrolled++
		}
	}
	require.Equal(t, 3, scrolled, "2000px page in a 1000px viewport scrolls in three steps")
}

func TestPageFetcher_StatusLayering(t *testing.T) {
	t.Parallel()

	long := pageHTML(strings.Repeat("a", 200))
	tests := []struct {
		name string
		page rendertest.Page
		want int
	}{
		{name: "navigation response wins", page: rendertest.Page{HTML: long, NavStatus: 201, LogStatus: 404}, want: 201},
		{name: "event log next", page: rendertest.Page{HTML: long, LogStatus: 404}, want: 404},
		{name: "heuristic with content", page: rendertest.Page{HTML: long}, want: 200},
		{name: "heuristic without content", page: rendertest.Page{HTML: "<html><body></body></html>"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{"https://a.example": tt.page})
			fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

			capture, err := fetcher.Attempt(context.Background(), "https://a.example",
				render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

			require.NoError(t, err)
			require.Equal(t, tt.want, capture.StatusCode)
		})
	}
}

func TestPageFetcher_NavigationErrorIsClassified(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	launcher := rendertest.NewLauncher(dir, map[string]rendertest.Page{
		"https://gone.example": {NavErr: fmt.Errorf("net::ERR_NAME_NOT_RESOLVED: %w", render.ErrNavigation)},
	})
	fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

	_, err := fetcher.Attempt(context.Background(), "https://gone.example",
		render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

	require.Error(t, err)
	require.Equal(t, render.KindNavigation, render.KindOf(err))
	require.True(t, errors.Is(err, render.ErrNavigation))
	requireNoProfiles(t, dir)
}

func TestPageFetcher_NavigationTimeout(t *testing.T) {
	t.Parallel()

	timeoutErr := fmt.Errorf("dom content loaded: %w", render.ErrNavigationTimeout)

	t.Run("thin document fails", func(t *testing.T) {
		t.Parallel()
		launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
			"https://slow.example": {NavErr: timeoutErr, HTML: "<html></html>"},
		})
		fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

		_, err := fetcher.Attempt(context.Background(), "https://slow.example",
			render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

		require.Equal(t, render.KindNavigationTimeout, render.KindOf(err))
	})

	t.Run("partial document is kept", func(t *testing.T) {
		t.Parallel()
		html := pageHTML(strings.Repeat("b", 300))
		launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
			"https://slow.example": {NavErr: timeoutErr, HTML: html},
		})
		fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

		capture, err := fetcher.Attempt(context.Background(), "https://slow.example",
			render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

		require.NoError(t, err)
		require.Equal(t, html, capture.HTML)
	})
}

func TestPageFetcher_InterstitialBypass(t *testing.T) {
	t.Parallel()

	blocked := "<html><body><p>Bitdefender Endpoint Security Tools 阻止了这个页面</p>" +
		"<div id=\"takeMeThere\"><a href=\"#\">continue</a></div></body></html>"
	content := pageHTML(strings.Repeat("c", 200))

	t.Run("bypass succeeds", func(t *testing.T) {
		t.Parallel()
		launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
			"https://guarded.example": {Blocked: blocked, HTML: content},
		})
		fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

		capture, err := fetcher.Attempt(context.Background(), "https://guarded.example",
			render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

		require.NoError(t, err)
		require.Equal(t, content, capture.HTML)
	})

	t.Run("bypass that does not clear the page fails", func(t *testing.T) {
		t.Parallel()
		launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
			"https://guarded.example": {Blocked: blocked, HTML: blocked},
		})
		fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

		_, err := fetcher.Attempt(context.Background(), "https://guarded.example",
			render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

		require.True(t, errors.Is(err, render.ErrInterstitialBlocked))
	})
}

func TestPageFetcher_LaunchFailureIsRetryable(t *testing.T) {
	t.Parallel()

	launcher := rendertest.NewLauncher(t.TempDir(), nil)
	launcher.LaunchErr = errors.New("chrome not found")
	fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)

	_, err := fetcher.Attempt(context.Background(), "https://a.example",
		render.Strategy{Headless: true, Device: render.DeviceDesktop}, 0, time.Second)

	require.Equal(t, render.KindNavigation, render.KindOf(err))
	require.Contains(t, err.Error(), "chrome not found")
}

// flakyLauncher fails the first launches before delegating.
type flakyLauncher struct {
	failures int
	next     render.Launcher
}

func (l *flakyLauncher) Launch(ctx context.Context, opts render.SessionOptions) (render.Session, error) {
	if l.failures > 0 {
		l.failures--
		return nil, errors.New("too many open files")
	}
	return l.next.Launch(ctx, opts)
}

func TestRetryEngine_RetriesSameStrategyAfterLaunchFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	launcher := rendertest.NewLauncher(dir, map[string]rendertest.Page{
		"https://ok.example": {HTML: pageHTML(strings.Repeat("d", 150)), NavStatus: 200},
	})
	fetcher := render.NewPageFetcher(&flakyLauncher{failures: 1, next: launcher}, fastFetcherConfig(), nil)
	engine := render.NewRetryEngine(fetcher, render.RetryConfig{MinContentLength: 100}, nil)

	res := engine.Fetch(context.Background(), render.Request{URL: "https://ok.example"},
		render.Profile{HeadlessPreferred: true, MaxRetries: 2, Timeout: time.Second})

	require.True(t, res.Success)
	require.Equal(t, "headless-desktop", res.Strategy)
	require.Equal(t, 2, res.Attempts)
	requireNoProfiles(t, dir)
}

func TestPageFetcherAndEngine_EndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	launcher := rendertest.NewLauncher(dir, map[string]rendertest.Page{
		"https://ok.example":   {HTML: pageHTML(strings.Repeat("d", 150)), NavStatus: 200},
		"https://thin.example": {HTML: "<html><body>x</body></html>", NavStatus: 200},
	})
	fetcher := render.NewPageFetcher(launcher, fastFetcherConfig(), nil)
	engine := render.NewRetryEngine(fetcher, render.RetryConfig{MinContentLength: 100}, nil)

	ok := engine.Fetch(context.Background(), render.Request{Index: 0, URL: "https://ok.example"},
		render.Profile{HeadlessPreferred: true, MaxRetries: 2, Timeout: time.Second})
	thin := engine.Fetch(context.Background(), render.Request{Index: 1, URL: "https://thin.example"},
		render.Profile{HeadlessPreferred: true, MaxRetries: 2, Timeout: time.Second})

	require.True(t, ok.Success)
	require.Equal(t, 200, ok.StatusCode)
	require.False(t, thin.Success)
	require.Empty(t, thin.HTML)
	require.Zero(t, thin.StatusCode)
	require.Len(t, launcher.Sessions(), 1+12)
	requireNoProfiles(t, dir)
}
