// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/renderfetch/internal/browser"
	"github.com/JakeFAU/renderfetch/internal/progress"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/scheduler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FetchConfig governs the fetch engine and the batch schedulers.
type FetchConfig struct {
	TimeoutSeconds     int            `mapstructure:"timeout_seconds"`
	TabTimeoutSeconds  int            `mapstructure:"tab_timeout_seconds"`
	TaskTimeoutSeconds int            `mapstructure:"task_timeout_seconds"`
	HardGraceSeconds   int            `mapstructure:"hard_grace_seconds"`
	MaxRetries         int            `mapstructure:"max_retries"`
	MinContentLength   int            `mapstructure:"min_content_length"`
	MaxConcurrency     int            `mapstructure:"max_concurrency"`
	Headless           bool           `mapstructure:"headless"`
	UserAgent          string         `mapstructure:"user_agent"`
	Mobile             bool           `mapstructure:"mobile"`
	Viewport           ViewportConfig `mapstructure:"viewport"`
	Scheduler          string         `mapstructure:"scheduler"`
	PollIntervalMs     int            `mapstructure:"poll_interval_ms"`
	RetryBackoffMs     int            `mapstructure:"retry_backoff_ms"`
	JitterMs           int            `mapstructure:"jitter_ms"`
	RootSelector       string         `mapstructure:"root_selector"`
	RootWaitMs         int            `mapstructure:"root_wait_ms"`
	SettleMs           int            `mapstructure:"settle_ms"`
	SettleStepMs       int            `mapstructure:"settle_step_ms"`
	Scroll             ScrollConfig   `mapstructure:"scroll"`
	OutputPath         string         `mapstructure:"output_path"`
	LaunchesPerSecond  float64        `mapstructure:"launches_per_second"`
	PerHostRPS         float64        `mapstructure:"per_host_rps"`
	PerHostBurst       int            `mapstructure:"per_host_burst"`
	// Interstitials replaces the bundled block-page signatures when set.
	Interstitials []render.Interstitial `mapstructure:"interstitials"`
}

// ViewportConfig is the desktop window size.
type ViewportConfig struct {
	Width  int64 `mapstructure:"width"`
	Height int64 `mapstructure:"height"`
}

// ScrollConfig tunes the staged scroll.
type ScrollConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	PauseMs     int  `mapstructure:"pause_ms"`
	MinSteps    int  `mapstructure:"min_steps"`
	ImageWaitMs int  `mapstructure:"image_wait_ms"`
}

// BrowserConfig selects and starts the browser engine.
type BrowserConfig struct {
	Engine            string   `mapstructure:"engine"`
	ExecPath          string   `mapstructure:"exec_path"`
	NoSandbox         bool     `mapstructure:"no_sandbox"`
	FingerprintScript string   `mapstructure:"fingerprint_script"`
	ExtraFlags        []string `mapstructure:"extra_flags"`
	ProfileRoot       string   `mapstructure:"profile_root"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port       int `mapstructure:"port"`
	QueueDepth int `mapstructure:"queue_depth"`
	Workers    int `mapstructure:"workers"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StorageConfig chooses where batch artifacts are written.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	Retain         int  `mapstructure:"retain"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fetch.timeout_seconds", 60)
	v.SetDefault("fetch.tab_timeout_seconds", 30)
	v.SetDefault("fetch.task_timeout_seconds", 600)
	v.SetDefault("fetch.hard_grace_seconds", 5)
	v.SetDefault("fetch.max_retries", render.DefaultMaxRetries)
	v.SetDefault("fetch.min_content_length", 100)
	v.SetDefault("fetch.max_concurrency", 5)
	v.SetDefault("fetch.headless", true)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.mobile", false)
	v.SetDefault("fetch.viewport.width", 1920)
	v.SetDefault("fetch.viewport.height", 1080)
	v.SetDefault("fetch.scheduler", scheduler.KindThreadPool)
	v.SetDefault("fetch.poll_interval_ms", 200)
	v.SetDefault("fetch.retry_backoff_ms", 1000)
	v.SetDefault("fetch.jitter_ms", 0)
	v.SetDefault("fetch.root_selector", "body")
	v.SetDefault("fetch.root_wait_ms", 10000)
	v.SetDefault("fetch.settle_ms", 0)
	v.SetDefault("fetch.settle_step_ms", 1000)
	v.SetDefault("fetch.scroll.enabled", true)
	v.SetDefault("fetch.scroll.pause_ms", 800)
	v.SetDefault("fetch.scroll.min_steps", 3)
	v.SetDefault("fetch.scroll.image_wait_ms", 5000)
	v.SetDefault("fetch.output_path", "results.jsonl")
	v.SetDefault("fetch.launches_per_second", 0)
	v.SetDefault("fetch.per_host_rps", 0)
	v.SetDefault("fetch.per_host_burst", 1)
	v.SetDefault("browser.engine", "chromedp")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.fingerprint_script", "")
	v.SetDefault("browser.extra_flags", []string{})
	v.SetDefault("browser.profile_root", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.queue_depth", 64)
	v.SetDefault("server.workers", 2)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local_dir", "data/batches")
	v.SetDefault("storage.prefix", "batches")
	v.SetDefault("storage.content_type", "application/x-ndjson")
	v.SetDefault("db.table", "render_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 200)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.retain", 256)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.TabTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.tab_timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.MinContentLength <= 0 {
		return fmt.Errorf("fetch.min_content_length must be > 0")
	}
	if c.Fetch.MaxConcurrency <= 0 {
		return fmt.Errorf("fetch.max_concurrency must be > 0")
	}
	if c.Fetch.PerHostRPS < 0 {
		return fmt.Errorf("fetch.per_host_rps must be >= 0")
	}
	switch c.Fetch.Scheduler {
	case scheduler.KindThreadPool, scheduler.KindProcess, scheduler.KindTabPool:
	default:
		return fmt.Errorf("fetch.scheduler must be one of threadpool, process, tabpool; got %q", c.Fetch.Scheduler)
	}
	switch strings.ToLower(c.Browser.Engine) {
	case "chromedp", "rod":
	default:
		return fmt.Errorf("browser.engine must be chromedp or rod; got %q", c.Browser.Engine)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageLocal:
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs; got %q", c.Storage.Backend)
	}
	return nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Profile returns the per-batch profile for the configured scheduler.
func (c Config) Profile() render.Profile {
	return c.ProfileFor(c.Fetch.Scheduler)
}

// ProfileFor returns the per-batch profile for the named scheduler. The
// TabPool model uses its own shorter default timeout.
func (c Config) ProfileFor(kind string) render.Profile {
	timeout := seconds(c.Fetch.TimeoutSeconds)
	if kind == scheduler.KindTabPool {
		timeout = seconds(c.Fetch.TabTimeoutSeconds)
	}
	return render.Profile{
		HeadlessPreferred: c.Fetch.Headless,
		UserAgent:         c.Fetch.UserAgent,
		Mobile:            c.Fetch.Mobile,
		Viewport:          c.viewport(),
		Timeout:           timeout,
		MaxRetries:        c.Fetch.MaxRetries,
		MaxConcurrency:    c.Fetch.MaxConcurrency,
	}
}

func (c Config) viewport() render.Viewport {
	return render.Viewport{Width: c.Fetch.Viewport.Width, Height: c.Fetch.Viewport.Height, Scale: 1}
}

func (c Config) interstitials() []render.Interstitial {
	if len(c.Fetch.Interstitials) > 0 {
		return c.Fetch.Interstitials
	}
	return render.DefaultInterstitials()
}

// FetcherConfig maps the fetch section onto a single-attempt config. The
// fingerprint payload is resolved separately because it may touch disk.
func (c Config) FetcherConfig(fingerprint string) render.FetcherConfig {
	scroll := render.DefaultScrollConfig()
	scroll.Enabled = c.Fetch.Scroll.Enabled
	scroll.Pause = millis(c.Fetch.Scroll.PauseMs)
	scroll.MinSteps = c.Fetch.Scroll.MinSteps
	scroll.ImageWait = millis(c.Fetch.Scroll.ImageWaitMs)
	return render.FetcherConfig{
		RootSelector:      c.Fetch.RootSelector,
		RootWait:          millis(c.Fetch.RootWaitMs),
		MinContentLength:  c.Fetch.MinContentLength,
		Settle:            millis(c.Fetch.SettleMs),
		SettleStep:        millis(c.Fetch.SettleStepMs),
		Jitter:            millis(c.Fetch.JitterMs),
		Scroll:            scroll,
		Interstitials:     c.interstitials(),
		FingerprintScript: fingerprint,
		Viewport:          c.viewport(),
	}
}

// RetryConfig maps the fetch section onto the retry engine.
func (c Config) RetryConfig() render.RetryConfig {
	step := millis(c.Fetch.RetryBackoffMs)
	return render.RetryConfig{
		MinContentLength: c.Fetch.MinContentLength,
		Backoff:          render.Backoff{Step: step, Max: 5 * step, Jitter: millis(c.Fetch.JitterMs)},
	}
}

// TabPoolConfig maps the fetch section onto the TabPool loop.
func (c Config) TabPoolConfig(fingerprint string) scheduler.TabPoolConfig {
	return scheduler.TabPoolConfig{
		PollInterval:      millis(c.Fetch.PollIntervalMs),
		HardGrace:         seconds(c.Fetch.HardGraceSeconds),
		RootSelector:      c.Fetch.RootSelector,
		MinContentLength:  c.Fetch.MinContentLength,
		Interstitials:     c.interstitials(),
		FingerprintScript: fingerprint,
		Viewport:          c.viewport(),
	}
}

// HubConfig maps the progress section onto the hub settings.
func (c Config) HubConfig() progress.Config {
	return progress.Config{
		BufferSize:     c.Progress.BufferSize,
		MaxBatchEvents: c.Progress.MaxBatchEvents,
		MaxBatchWait:   millis(c.Progress.MaxBatchWaitMs),
		SinkTimeout:    millis(c.Progress.SinkTimeoutMs),
	}
}

// ForWorker returns the subset a ProcessIsolated child needs. Service
// sections, credentials included, are cleared before the config leaves the
// process.
func (c Config) ForWorker() Config {
	return Config{Fetch: c.Fetch, Browser: c.Browser, Logging: LoggingConfig{Development: c.Logging.Development}}
}

// TaskTimeout bounds one URL end to end in the pooled models.
func (c Config) TaskTimeout() time.Duration {
	return seconds(c.Fetch.TaskTimeoutSeconds)
}

// BrowserOptions returns the engine launch options.
func (c Config) BrowserOptions() browser.Options {
	return browser.Options{
		ExecPath:    c.Browser.ExecPath,
		NoSandbox:   c.Browser.NoSandbox,
		ExtraFlags:  c.Browser.ExtraFlags,
		ProfileRoot: c.Browser.ProfileRoot,
	}
}
