package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/render/rendertest"
)

// fakeClock advances only when the pool sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newTestTabPool(launcher render.Launcher, profile render.Profile, clock *fakeClock) *TabPool {
	pool := NewTabPool(launcher, TabPoolConfig{Interstitials: render.DefaultInterstitials()}, Options{Profile: profile})
	if clock != nil {
		pool.now = clock.Now
		pool.sleep = clock.Sleep
	}
	return pool
}

var (
	longHTML = pageHTML(strings.Repeat("p", 200))
	thinHTML = "<html><body>x</body></html>"
)

func TestHardDeadline(t *testing.T) {
	t.Parallel()

	require.Equal(t, 60*time.Second, HardDeadline(30*time.Second, 5*time.Second))
	require.Equal(t, 6*time.Second, HardDeadline(time.Second, 5*time.Second))
	require.Equal(t, 10*time.Second, HardDeadline(5*time.Second, 5*time.Second))
}

func TestTabPool_StuckTabIsAbandonedAtHardDeadline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	urls := []string{"https://one.example", "https://two.example", "https://three.example"}
	launcher := rendertest.NewLauncher(dir, map[string]rendertest.Page{
		urls[0]: {HTML: longHTML},
		urls[1]: {HTML: thinHTML, NeverReady: true},
		urls[2]: {HTML: longHTML, LogStatus: 203, ReadyAfter: 2},
	})
	clock := newFakeClock()
	start := clock.Now()
	pool := newTestTabPool(launcher, render.Profile{MaxConcurrency: 2, Timeout: time.Second, HeadlessPreferred: true}, clock)

	results := pool.Run(context.Background(), urls)

	require.Empty(t, cmp.Diff(urls, resultURLs(results)))
	require.True(t, results[0].Success)
	require.Equal(t, 200, results[0].StatusCode)
	require.Equal(t, "headless-desktop", results[0].Strategy)

	require.False(t, results[1].Success)
	require.Equal(t, render.StatusFailed, results[1].Status)
	require.Empty(t, results[1].HTML)
	require.Zero(t, results[1].StatusCode)
	require.Contains(t, results[1].Error, string(render.KindNavigationTimeout))
	require.Contains(t, results[1].Error, "hard deadline 6s exceeded")

	require.True(t, results[2].Success)
	require.Equal(t, 203, results[2].StatusCode)

	elapsed := clock.Now().Sub(start)
	require.GreaterOrEqual(t, elapsed, 6*time.Second)
	require.LessOrEqual(t, elapsed, 6*time.Second+DefaultPollInterval)

	sessions := launcher.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, urls, sessions[0].Opened())
	require.Zero(t, sessions[0].OpenTabs())
	require.Equal(t, 1, sessions[0].Closes())
	require.Zero(t, sessions[0].Stops(), "thin content is never snapshotted at the soft deadline")
	requireNoProfiles(t, dir)
}

func TestTabPool_SoftDeadlineSnapshotsLongContent(t *testing.T) {
	t.Parallel()

	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		"https://loading.example": {HTML: longHTML, NeverReady: true},
	})
	clock := newFakeClock()
	start := clock.Now()
	pool := newTestTabPool(launcher, render.Profile{Timeout: 2 * time.Second}, clock)

	results := pool.Run(context.Background(), []string{"https://loading.example"})

	require.True(t, results[0].Success)
	require.Equal(t, longHTML, results[0].HTML)
	require.Equal(t, render.ContentLength(longHTML), results[0].ContentLength)
	require.Equal(t, 1, launcher.Sessions()[0].Stops())
	elapsed := clock.Now().Sub(start)
	require.GreaterOrEqual(t, elapsed, 2*time.Second)
	require.Less(t, elapsed, HardDeadline(2*time.Second, DefaultHardGrace))
}

func TestTabPool_ReadyButThinIsContentTooThin(t *testing.T) {
	t.Parallel()

	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		"https://thin.example": {HTML: thinHTML},
	})
	pool := newTestTabPool(launcher, render.Profile{}, newFakeClock())

	results := pool.Run(context.Background(), []string{"https://thin.example"})

	require.False(t, results[0].Success)
	require.Contains(t, results[0].Error, string(render.KindContentTooThin))
	require.Zero(t, results[0].ContentLength)
}

func TestTabPool_ProbesInterstitialOncePerTab(t *testing.T) {
	t.Parallel()

	blocked := "<html><body><p>Bitdefender Endpoint Security Tools 阻止了这个页面</p>" +
		"<div id=\"takeMeThere\"><a href=\"#\">continue</a></div></body></html>"
	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		"https://guarded.example": {Blocked: blocked, HTML: longHTML, ReadyAfter: 4},
	})
	pool := newTestTabPool(launcher, render.Profile{}, newFakeClock())

	results := pool.Run(context.Background(), []string{"https://guarded.example"})

	require.True(t, results[0].Success)
	require.Equal(t, longHTML, results[0].HTML)
	probes := 0
	for _, expr := range launcher.Sessions()[0].Evaluated() {
		if strings.Contains(expr, "return '';") {
			probes++
		}
	}
	require.Equal(t, 1, probes)
}

func TestTabPool_LostTabFailsAndRefills(t *testing.T) {
	t.Parallel()

	urls := []string{"https://crashed.example", "https://fine.example"}
	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		urls[0]: {HTML: longHTML, SnapshotErr: fmt.Errorf("target crashed: %w", render.ErrHandleLost)},
		urls[1]: {HTML: longHTML},
	})
	pool := newTestTabPool(launcher, render.Profile{MaxConcurrency: 1}, newFakeClock())

	results := pool.Run(context.Background(), urls)

	require.False(t, results[0].Success)
	require.Contains(t, results[0].Error, string(render.KindHandleLost))
	require.True(t, results[1].Success)
	require.Equal(t, urls, launcher.Sessions()[0].Opened())
}

func TestTabPool_LaunchFailureFailsEveryURL(t *testing.T) {
	t.Parallel()

	launcher := rendertest.NewLauncher(t.TempDir(), nil)
	launcher.LaunchErr = errors.New("no chrome binary")
	urls := []string{"https://a.example", "https://b.example"}

	results := newTestTabPool(launcher, render.Profile{}, newFakeClock()).Run(context.Background(), urls)

	require.Empty(t, cmp.Diff(urls, resultURLs(results)))
	for _, r := range results {
		require.False(t, r.Success)
		require.Contains(t, r.Error, "no chrome binary")
	}
}

func TestTabPool_NeverHangsOnRealClock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	launcher := rendertest.NewLauncher(dir, map[string]rendertest.Page{
		"https://stuck.example": {HTML: thinHTML, NeverReady: true},
	})
	pool := NewTabPool(launcher, TabPoolConfig{PollInterval: 5 * time.Millisecond, HardGrace: 20 * time.Millisecond},
		Options{Profile: render.Profile{Timeout: 30 * time.Millisecond}})

	start := time.Now()
	results := pool.Run(context.Background(), []string{"https://stuck.example"})

	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, results[0].Success)
	requireNoProfiles(t, dir)
}

func TestTabPool_CanceledBatchRecordsEveryIndex(t *testing.T) {
	t.Parallel()

	urls := []string{"https://a.example", "https://b.example", "https://c.example"}
	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		urls[0]: {HTML: thinHTML, NeverReady: true},
	})
	pool := NewTabPool(launcher, TabPoolConfig{PollInterval: 5 * time.Millisecond},
		Options{Profile: render.Profile{MaxConcurrency: 1, Timeout: time.Minute}})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	results := pool.Run(ctx, urls)

	require.Empty(t, cmp.Diff(urls, resultURLs(results)))
	for _, r := range results {
		require.False(t, r.Success)
		require.Contains(t, r.Error, "batch canceled")
	}
	require.Equal(t, 1, launcher.Sessions()[0].Closes())
}

func TestTabPool_WaitsForNavigationToCommit(t *testing.T) {
	t.Parallel()

	urls := []string{"https://slow.example", "https://silent.example"}
	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		urls[0]: {HTML: longHTML, NavStatus: 200, BlankPolls: 3},
		urls[1]: {HTML: longHTML, NeverCommits: true},
	})
	pool := newTestTabPool(launcher, render.Profile{MaxConcurrency: 2, Timeout: time.Second}, newFakeClock())

	results := pool.Run(context.Background(), urls)

	require.True(t, results[0].Success)
	require.Equal(t, longHTML, results[0].HTML)

	require.False(t, results[1].Success)
	require.Contains(t, results[1].Error, string(render.KindNavigationTimeout))
	require.NotContains(t, results[1].Error, string(render.KindContentTooThin))
	require.Zero(t, results[1].StatusCode)
}

func TestTabPool_NavigationErrorsAreFailures(t *testing.T) {
	t.Parallel()

	urls := []string{"https://nxdomain.example", "https://refused.example", "https://fine.example"}
	launcher := rendertest.NewLauncher(t.TempDir(), map[string]rendertest.Page{
		urls[0]: {OpenErr: fmt.Errorf("net::ERR_NAME_NOT_RESOLVED: %w", render.ErrNavigation)},
		urls[1]: {ErrorPage: true},
		urls[2]: {HTML: longHTML},
	})
	pool := newTestTabPool(launcher, render.Profile{MaxConcurrency: 2}, newFakeClock())

	results := pool.Run(context.Background(), urls)

	require.Empty(t, cmp.Diff(urls, resultURLs(results)))
	for _, r := range results[:2] {
		require.False(t, r.Success, r.URL)
		require.Contains(t, r.Error, string(render.KindNavigation))
		require.Zero(t, r.StatusCode)
		require.Empty(t, r.HTML)
	}
	require.Contains(t, results[0].Error, "ERR_NAME_NOT_RESOLVED")
	require.Contains(t, results[1].Error, "browser error page")
	require.True(t, results[2].Success)
	require.Zero(t, launcher.Sessions()[0].OpenTabs())
}
