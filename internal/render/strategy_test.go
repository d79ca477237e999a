package render_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

func names(strategies []render.Strategy) []string {
	out := make([]string, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, s.String())
	}
	return out
}

func TestLadder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		headless    bool
		mobileFirst bool
		want        []string
	}{
		{
			name:     "headless preferred",
			headless: true,
			want:     []string{"headless-desktop", "headless-mobile", "headful-desktop", "headful-mobile"},
		},
		{
			name:        "mobile first",
			headless:    true,
			mobileFirst: true,
			want:        []string{"headless-mobile", "headless-desktop", "headful-mobile", "headful-desktop"},
		},
		{
			name: "headful only",
			want: []string{"headful-desktop", "headful-mobile"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := names(render.Ladder(tt.headless, tt.mobileFirst, ""))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ladder mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProfileStrategiesCarryUserAgent(t *testing.T) {
	t.Parallel()

	p := render.Profile{HeadlessPreferred: true, UserAgent: "custom/1.0"}
	for _, s := range p.Strategies() {
		require.Equal(t, "custom/1.0", s.UserAgent)
	}
}

func TestSessionOptionsFor(t *testing.T) {
	t.Parallel()

	t.Run("desktop default", func(t *testing.T) {
		t.Parallel()
		opts := render.SessionOptionsFor(render.Strategy{Headless: true, Device: render.DeviceDesktop},
			render.Viewport{}, "")
		require.True(t, opts.Headless)
		require.False(t, opts.Mobile)
		require.Equal(t, render.DesktopViewport, opts.Viewport)
		require.Equal(t, render.DesktopUserAgent, opts.UserAgent)
	})

	t.Run("desktop override without scale", func(t *testing.T) {
		t.Parallel()
		opts := render.SessionOptionsFor(render.Strategy{Device: render.DeviceDesktop},
			render.Viewport{Width: 1280, Height: 800}, "")
		require.Equal(t, render.Viewport{Width: 1280, Height: 800, Scale: 1}, opts.Viewport)
	})

	t.Run("mobile ignores desktop override", func(t *testing.T) {
		t.Parallel()
		opts := render.SessionOptionsFor(render.Strategy{Device: render.DeviceMobile},
			render.Viewport{Width: 1280, Height: 800}, "fp")
		require.True(t, opts.Mobile)
		require.Equal(t, render.MobileViewport, opts.Viewport)
		require.Equal(t, render.MobileUserAgent, opts.UserAgent)
		require.Equal(t, "fp", opts.FingerprintScript)
	})

	t.Run("explicit user agent wins", func(t *testing.T) {
		t.Parallel()
		opts := render.SessionOptionsFor(render.Strategy{Device: render.DeviceMobile, UserAgent: "ua"},
			render.Viewport{}, "")
		require.Equal(t, "ua", opts.UserAgent)
	})
}
