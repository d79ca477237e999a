package scheduler

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/render/rendertest"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(helperMain())
	}
	goleak.VerifyTestMain(m)
}

func pageHTML(body string) string {
	return "<html><head><title>t</title></head><body><main>" + body + "</main></body></html>"
}

// fastPageFetcher builds the production fetcher over a fake launcher with
// every wait disabled.
func fastPageFetcher(launcher render.Launcher) *render.RetryEngine {
	cfg := render.DefaultFetcherConfig()
	cfg.RootWait = 0
	cfg.Scroll = render.ScrollConfig{}
	for i := range cfg.Interstitials {
		cfg.Interstitials[i].Wait = 0
	}
	return render.NewRetryEngine(render.NewPageFetcher(launcher, cfg, nil),
		render.RetryConfig{MinContentLength: 100}, nil)
}

func requireNoProfiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "directories left behind")
}

func resultURLs(results []render.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.URL
	}
	return out
}

// recordingObserver collects progress callbacks.
type recordingObserver struct {
	mu       sync.Mutex
	started  []int
	finished []int
}

func (o *recordingObserver) FetchStarted(index int, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, index)
}

func (o *recordingObserver) FetchFinished(res render.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res.Index)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.started), len(o.finished)
}

func TestNew(t *testing.T) {
	t.Parallel()

	launcher := rendertest.NewLauncher(t.TempDir(), nil)
	deps := Deps{
		Fetcher:  fastPageFetcher(launcher),
		Runner:   &ExecRunner{Path: "/bin/false"},
		Launcher: launcher,
	}
	tests := []struct {
		kind    string
		want    any
		wantErr string
	}{
		{kind: "", want: &ThreadPool{}},
		{kind: KindThreadPool, want: &ThreadPool{}},
		{kind: KindProcess, want: &ProcessIsolated{}},
		{kind: KindTabPool, want: &TabPool{}},
		{kind: "forkbomb", wantErr: `unknown scheduler "forkbomb"`},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			t.Parallel()
			s, err := New(tt.kind, deps, Options{})
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.IsType(t, tt.want, s)
		})
	}

	_, err := New(KindProcess, Deps{}, Options{})
	require.ErrorIs(t, err, errNoRunner)
	_, err = New(KindTabPool, Deps{}, Options{})
	require.Error(t, err)
}

func TestRunTask(t *testing.T) {
	t.Parallel()

	t.Run("pins index and url", func(t *testing.T) {
		t.Parallel()
		res := runTask(context.Background(), time.Second, time.Second, 4, "https://a.example", func(context.Context) render.Result {
			return render.Result{URL: "elsewhere", Success: true}
		})
		require.Equal(t, 4, res.Index)
		require.Equal(t, "https://a.example", res.URL)
		require.True(t, res.Success)
	})

	t.Run("panic becomes a failure", func(t *testing.T) {
		t.Parallel()
		res := runTask(context.Background(), time.Second, time.Second, 1, "https://a.example", func(context.Context) render.Result {
			panic("boom")
		})
		require.False(t, res.Success)
		require.Contains(t, res.Error, "task panicked: boom")
	})

	t.Run("deadline becomes a failure", func(t *testing.T) {
		t.Parallel()
		start := time.Now()
		var released atomic.Bool
		res := runTask(context.Background(), 20*time.Millisecond, time.Second, 2, "https://a.example",
			func(ctx context.Context) render.Result {
				<-ctx.Done()
				time.Sleep(30 * time.Millisecond)
				released.Store(true)
				return render.Result{Success: true}
			})
		require.False(t, res.Success)
		require.True(t, strings.Contains(res.Error, "deadline exceeded"), res.Error)
		require.True(t, released.Load(), "runTask returned before the task let go of its resources")
		require.Less(t, time.Since(start), time.Second)
	})

	t.Run("task ignoring cancellation is abandoned after grace", func(t *testing.T) {
		t.Parallel()
		stuck := make(chan struct{})
		t.Cleanup(func() { close(stuck) })
		start := time.Now()
		res := runTask(context.Background(), 10*time.Millisecond, 20*time.Millisecond, 3, "https://a.example",
			func(context.Context) render.Result {
				<-stuck
				return render.Result{Success: true}
			})
		require.False(t, res.Success)
		require.Contains(t, res.Error, "abandoned")
		require.Less(t, time.Since(start), time.Second)
	})
}
