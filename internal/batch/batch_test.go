package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

func TestParametersValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params Parameters
		want   string
	}{
		{name: "ok", params: Parameters{URLs: []string{"https://a.example", "http://b.example/x"}}},
		{name: "empty", params: Parameters{}, want: "urls must not be empty"},
		{name: "relative", params: Parameters{URLs: []string{"/path"}}, want: "urls[0]"},
		{name: "scheme", params: Parameters{URLs: []string{"https://a.example", "ftp://b.example"}}, want: "urls[1]"},
		{name: "scheduler", params: Parameters{URLs: []string{"https://a.example"}, Scheduler: "fibers"}, want: "unknown scheduler"},
		{name: "timeout", params: Parameters{URLs: []string{"https://a.example"}, TimeoutSeconds: -1}, want: "timeout_seconds"},
		{name: "retries", params: Parameters{URLs: []string{"https://a.example"}, MaxRetries: ptr(-1)}, want: "max_retries"},
		{name: "too many retries", params: Parameters{URLs: []string{"https://a.example"}, MaxRetries: ptr(11)}, want: "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.params.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParametersApply(t *testing.T) {
	t.Parallel()

	base := render.Profile{HeadlessPreferred: true, Timeout: time.Minute, MaxRetries: 2}
	require.Equal(t, base, Parameters{}.Apply(base))

	off, on := false, true
	got := Parameters{TimeoutSeconds: 5, Headless: &off, Mobile: &on}.Apply(base)
	require.Equal(t, 5*time.Second, got.Timeout)
	require.False(t, got.HeadlessPreferred)
	require.True(t, got.Mobile)
	require.Equal(t, 2, got.MaxRetries)

	got = Parameters{MaxRetries: ptr(0)}.Apply(base)
	require.Zero(t, got.MaxRetries)
}

func ptr[T any](v T) *T { return &v }

func TestCountAndRecord(t *testing.T) {
	t.Parallel()

	ok := render.Succeeded(0, "https://a.example", render.Capture{HTML: "<p>hi</p>", StatusCode: 200})
	ok.Strategy, ok.Attempts = "headless-desktop", 2
	bad := render.Failed(1, "https://b.example", render.ErrNavigationTimeout)

	require.Equal(t, Counters{Succeeded: 1, Failed: 1}, Count([]render.Result{ok, bad}))

	at := time.Unix(1700000000, 0).UTC()
	rec := NewRecord("row-1", "batch-1", ok, "abc", "memory://x", at)
	require.Equal(t, Record{
		ID: "row-1", BatchID: "batch-1", Index: 0, URL: "https://a.example", StatusCode: 200,
		ContentLength: 9, Success: true, Strategy: "headless-desktop", Attempts: 2,
		ContentHash: "abc", BlobURI: "memory://x", FetchedAt: at,
	}, rec)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusSucceeded.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCanceled.Terminal())
}
