package render

// Default device user agents.
const (
	DesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	MobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1"
)

// Default viewports.
var (
	DesktopViewport = Viewport{Width: 1920, Height: 1080, Scale: 1}
	MobileViewport  = Viewport{Width: 375, Height: 667, Scale: 2}
)

// Ladder returns the strategies in priority order: headless before headful,
// and within each mode desktop before mobile (mobile first when mobileFirst
// is set). With headless disabled only the headful rungs remain.
func Ladder(headless, mobileFirst bool, userAgent string) []Strategy {
	devices := []Device{DeviceDesktop, DeviceMobile}
	if mobileFirst {
		devices = []Device{DeviceMobile, DeviceDesktop}
	}
	modes := []bool{true, false}
	if !headless {
		modes = []bool{false}
	}
	out := make([]Strategy, 0, len(modes)*len(devices))
	for _, mode := range modes {
		for _, device := range devices {
			out = append(out, Strategy{Headless: mode, Device: device, UserAgent: userAgent})
		}
	}
	return out
}

// SessionOptionsFor resolves the concrete session options for a strategy.
// The strategy's own viewport wins over desktop, and either replaces the
// default; mobile always uses the phone metrics.
func SessionOptionsFor(s Strategy, desktop Viewport, fingerprint string) SessionOptions {
	if s.Viewport.Width > 0 && s.Viewport.Height > 0 {
		desktop = s.Viewport
	}
	opts := SessionOptions{
		Headless:          s.Headless,
		FingerprintScript: fingerprint,
	}
	switch s.Device {
	case DeviceMobile:
		opts.Mobile = true
		opts.Viewport = MobileViewport
		opts.UserAgent = MobileUserAgent
	default:
		opts.Viewport = DesktopViewport
		if desktop.Width > 0 && desktop.Height > 0 {
			opts.Viewport = desktop
			if opts.Viewport.Scale <= 0 {
				opts.Viewport.Scale = 1
			}
		}
		opts.UserAgent = DesktopUserAgent
	}
	if s.UserAgent != "" {
		opts.UserAgent = s.UserAgent
	}
	return opts
}
