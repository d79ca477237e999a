// Package engine selects the browser engine adapter by name.
package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/browser"
	"github.com/JakeFAU/renderfetch/internal/browser/cdpengine"
	"github.com/JakeFAU/renderfetch/internal/browser/rodengine"
	"github.com/JakeFAU/renderfetch/internal/render"
)

// Supported engine names.
const (
	Chromedp = "chromedp"
	Rod      = "rod"
)

// New returns the launcher for name. An empty name selects chromedp.
func New(name string, opts browser.Options, logger *zap.Logger) (render.Launcher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Chromedp, "":
		return cdpengine.NewLauncher(cdpengine.Config{Options: opts}, logger), nil
	case Rod:
		return rodengine.NewLauncher(rodengine.Config{Options: opts}, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", name)
	}
}
