// Package render defines the fetch-orchestration core: the Session capability
// that browser engines implement, the per-attempt PageFetcher and the
// strategy-ladder RetryEngine that drives it.
package render

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Device selects the emulated form factor for a strategy.
type Device string

// Supported devices.
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// Viewport describes the emulated window metrics.
type Viewport struct {
	Width  int64   `json:"width" mapstructure:"width"`
	Height int64   `json:"height" mapstructure:"height"`
	Scale  float64 `json:"scale" mapstructure:"scale"`
}

// Strategy is one headless-mode and device combination tried in sequence.
type Strategy struct {
	Headless  bool   `json:"headless"`
	Device    Device `json:"device"`
	UserAgent string `json:"user_agent,omitempty"`
	// Viewport overrides the desktop window size when set.
	Viewport Viewport `json:"-"`
}

// String renders the strategy as "headless-desktop", "headful-mobile", etc.
func (s Strategy) String() string {
	mode := "headful"
	if s.Headless {
		mode = "headless"
	}
	return fmt.Sprintf("%s-%s", mode, s.Device)
}

// Profile carries the per-batch options recognised by every scheduler.
type Profile struct {
	HeadlessPreferred bool          `json:"headless_preferred"`
	UserAgent         string        `json:"user_agent,omitempty"`
	Mobile            bool          `json:"mobile"`
	Viewport          Viewport      `json:"viewport"`
	Timeout           time.Duration `json:"timeout"`
	MaxRetries        int           `json:"max_retries"`
	MaxConcurrency    int           `json:"max_concurrency"`
}

// Strategies returns the ordered strategy ladder for the profile. A set
// viewport is carried on every rung and replaces the desktop default.
func (p Profile) Strategies() []Strategy {
	ladder := Ladder(p.HeadlessPreferred, p.Mobile, p.UserAgent)
	for i := range ladder {
		ladder[i].Viewport = p.Viewport
	}
	return ladder
}

// Request is a single URL to fetch with its position in the batch.
type Request struct {
	Index int
	URL   string
}

// Capture is the raw output of one successful attempt.
type Capture struct {
	HTML       string
	StatusCode int
}

// Result is the terminal per-URL record handed to the sink.
type Result struct {
	Index         int    `json:"-"`
	URL           string `json:"url"`
	HTML          string `json:"source_code"`
	StatusCode    int    `json:"status_code"`
	ContentLength int    `json:"content_length"`
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	Strategy      string `json:"strategy,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Result status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Succeeded builds a success record. Callers must have checked the content
// threshold already.
func Succeeded(index int, url string, capture Capture) Result {
	return Result{
		Index:         index,
		URL:           url,
		HTML:          capture.HTML,
		StatusCode:    capture.StatusCode,
		ContentLength: ContentLength(capture.HTML),
		Success:       true,
		Status:        StatusSuccess,
	}
}

// Failed builds a failure record with empty content and an unknown status.
func Failed(index int, url string, err error) Result {
	res := Result{
		Index:  index,
		URL:    url,
		Status: StatusFailed,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// ContentLength counts characters, not bytes.
func ContentLength(html string) int {
	return utf8.RuneCountInString(html)
}
