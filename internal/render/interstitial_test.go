package render_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

func TestDetectInterstitial(t *testing.T) {
	t.Parallel()

	sigs := render.DefaultInterstitials()
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "bitdefender by text",
			html: "<html><body><h1>Bitdefender Endpoint Security Tools 阻止了这个页面</h1></body></html>",
			want: "bitdefender-endpoint",
		},
		{
			name: "chrome privacy error by selector",
			html: `<html><body><button id="details-button">Advanced</button></body></html>`,
			want: "chrome-privacy-error",
		},
		{
			name: "chrome privacy error by text",
			html: "<html><body><h1>Your connection is not private</h1></body></html>",
			want: "chrome-privacy-error",
		},
		{name: "ordinary page", html: "<html><body><p>hello</p></body></html>"},
		{name: "empty document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig, ok := render.DetectInterstitial(tt.html, sigs)
			if tt.want == "" {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tt.want, sig.Name)
		})
	}
}

func TestHasRootNode(t *testing.T) {
	t.Parallel()

	require.True(t, render.HasRootNode("<html><body><div id=app><p>x</p></div></body></html>", "#app"))
	require.True(t, render.HasRootNode("<html><body>text</body></html>", "body"))
	require.False(t, render.HasRootNode(`<html><body><div id="app">  </div></body></html>`, "#app"))
	require.False(t, render.HasRootNode("<html><body><p>x</p></body></html>", "#app"))
	require.False(t, render.HasRootNode("", "body"))
}

func TestBypassScriptQuotesSelectors(t *testing.T) {
	t.Parallel()

	script := render.BypassScript(render.Interstitial{Click: []string{`a[title="go"]`, "#next"}})
	require.Contains(t, script, `["a[title=\"go\"]","#next"]`)
	require.Contains(t, script, "return clicked;")
}

func TestProbeScript(t *testing.T) {
	t.Parallel()

	script := render.ProbeScript(render.DefaultInterstitials())
	require.True(t, strings.HasPrefix(script, "(() => {"))
	require.Contains(t, script, `return "bitdefender-endpoint";`)
	require.Contains(t, script, `document.querySelector("#details-button") !== null`)
	require.Contains(t, script, `["#details-button","#proceed-link"]`)
	require.Contains(t, script, "return '';")

	require.Equal(t, "(() => {\n\tconst text = document.body ? document.body.innerText : '';\n\treturn '';\n})()",
		render.ProbeScript([]render.Interstitial{{Name: "no-match-rules"}}))
}
