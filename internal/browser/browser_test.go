package browser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-rod/stealth"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

func TestProfileDirLifecycle(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dir, err := NewProfileDir(root)
	require.NoError(t, err)
	require.Equal(t, root, filepath.Dir(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Local State"), []byte("{}"), 0o600))

	require.NoError(t, RemoveProfile(dir))
	_, err = os.Stat(dir)
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, RemoveProfile(dir), "removing twice is harmless")
	require.NoError(t, RemoveProfile(""))
}

func TestNewProfileDirMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := NewProfileDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorContains(t, err, "create profile dir")
}

func TestParseFlag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw       string
		name      string
		value     string
		withValue bool
	}{
		{raw: "--mute-audio", name: "mute-audio"},
		{raw: "--lang=de-DE", name: "lang", value: "de-DE", withValue: true},
		{raw: " proxy-server=http://p:8080 ", name: "proxy-server", value: "http://p:8080", withValue: true},
		{raw: "--window-size=1,2=3", name: "window-size", value: "1,2=3", withValue: true},
	}
	for _, tt := range tests {
		name, value, ok := ParseFlag(tt.raw)
		require.Equal(t, tt.name, name, tt.raw)
		require.Equal(t, tt.value, value, tt.raw)
		require.Equal(t, tt.withValue, ok, tt.raw)
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	bundled, err := Fingerprint("")
	require.NoError(t, err)
	require.Equal(t, stealth.JS, bundled)

	none, err := Fingerprint("none")
	require.NoError(t, err)
	require.Empty(t, none)

	path := filepath.Join(t.TempDir(), "fp.js")
	require.NoError(t, os.WriteFile(path, []byte("Object.defineProperty(navigator, 'webdriver', {get: () => undefined})"), 0o600))
	custom, err := Fingerprint(path)
	require.NoError(t, err)
	require.Contains(t, custom, "webdriver")

	_, err = Fingerprint(filepath.Join(t.TempDir(), "absent.js"))
	require.ErrorContains(t, err, "read fingerprint script")
}

func TestResponseLog(t *testing.T) {
	t.Parallel()

	var log ResponseLog
	log.Add(Response{URL: "https://a.example/", Status: 301, LoaderID: "L1", Document: true})
	log.Add(Response{URL: "https://a.example/app.js", Status: 200, LoaderID: "L1"})
	log.Add(Response{URL: "https://A.example:443/#top", Status: 200, LoaderID: "L2", Document: true})

	require.Equal(t, 3, log.Len())
	require.Equal(t, 200, log.LastStatus("https://a.example"), "latest matching response wins")
	require.Equal(t, 301, log.DocumentStatus("L1"))
	require.Equal(t, 200, log.DocumentStatus("L2"))
	require.Zero(t, log.DocumentStatus(""))
	require.Zero(t, log.LastStatus("https://b.example"))

	log.Reset()
	require.Zero(t, log.Len())
	require.Zero(t, log.LastStatus("https://a.example"))
}

func TestResponseLogIsBounded(t *testing.T) {
	t.Parallel()

	var log ResponseLog
	for i := range maxResponses + 10 {
		log.Add(Response{URL: fmt.Sprintf("https://a.example/%d", i), Status: 200 + i%2})
	}
	require.Equal(t, maxResponses, log.Len())
	require.Zero(t, log.LastStatus("https://a.example/0"), "oldest entries are evicted")
	require.Equal(t, 201, log.LastStatus(fmt.Sprintf("https://a.example/%d", maxResponses+9)))
}

func TestRemoveProfileWrapsCleanupSentinel(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	root := t.TempDir()
	dir, err := NewProfileDir(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cookies"), nil, 0o600))
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	err = RemoveProfile(dir)
	require.ErrorIs(t, err, render.ErrCleanup)
}
