// Package browser holds the pieces shared by the browser engine adapters:
// launch options, profile directories, the response event log and the
// fingerprint payload.
package browser

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-rod/stealth"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
)

// Options configures how an engine starts its browser process.
type Options struct {
	ExecPath   string
	NoSandbox  bool
	ExtraFlags []string
	// ProfileRoot is the parent of the per-session profile directories.
	// Empty means the system temp dir.
	ProfileRoot string
}

// NewProfileDir creates an isolated user-data directory for one session.
func NewProfileDir(root string) (string, error) {
	dir, err := os.MkdirTemp(root, "renderfetch-profile-*")
	if err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}
	return dir, nil
}

// RemoveProfile deletes a profile directory. Failures are counted and wrap
// render.ErrCleanup.
func RemoveProfile(dir string) error {
	if dir == "" {
		return nil
	}
	err := os.RemoveAll(dir)
	if err == nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			err = fmt.Errorf("%s still present", dir)
		}
	}
	if err != nil {
		metrics.IncCleanupFailures()
		return fmt.Errorf("remove profile %s: %w: %w", dir, render.ErrCleanup, err)
	}
	return nil
}

// ParseFlag splits "--name=value" into its parts. hasValue is false for a
// bare switch such as "--mute-audio".
func ParseFlag(raw string) (name, value string, hasValue bool) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, value, hasValue = strings.Cut(raw, "=")
	return name, value, hasValue
}

// Fingerprint resolves the fingerprint setting: "" or "bundled" selects the
// bundled evasion payload, "none" disables injection and anything else is
// read as a file path.
func Fingerprint(setting string) (string, error) {
	switch strings.TrimSpace(setting) {
	case "", "bundled":
		return stealth.JS, nil
	case "none":
		return "", nil
	}
	data, err := os.ReadFile(setting)
	if err != nil {
		return "", fmt.Errorf("read fingerprint script: %w", err)
	}
	return string(data), nil
}
