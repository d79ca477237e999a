// Package app assembles the fetch engine from configuration: the browser
// launcher, the per-URL retry engine and the batch schedulers built on them.
// Both the CLI and the HTTP service obtain their schedulers here.
package app

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/batch"
	"github.com/JakeFAU/renderfetch/internal/browser"
	"github.com/JakeFAU/renderfetch/internal/browser/engine"
	"github.com/JakeFAU/renderfetch/internal/config"
	"github.com/JakeFAU/renderfetch/internal/policy/ratelimit"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/scheduler"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

// WorkerCommand is the hidden subcommand a ProcessIsolated child runs.
const WorkerCommand = "worker"

// LauncherFactory builds the browser launcher for a configuration.
type LauncherFactory func(cfg config.Config, logger *zap.Logger) (render.Launcher, error)

// Engine holds the long-lived fetch components.
type Engine struct {
	cfg          config.Config
	logger       *zap.Logger
	launcher     render.Launcher
	fetcher      *render.RetryEngine
	runner       scheduler.Runner
	workerConfig []byte
	fingerprint  string
}

// Option customizes an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	launchers LauncherFactory
	runner    scheduler.Runner
}

// WithLauncherFactory replaces the browser engine lookup.
func WithLauncherFactory(f LauncherFactory) Option {
	return func(o *engineOptions) { o.launchers = f }
}

// WithRunner replaces the re-exec runner used by the process scheduler.
func WithRunner(r scheduler.Runner) Option {
	return func(o *engineOptions) { o.runner = r }
}

// DefaultLauncher selects the configured browser engine.
func DefaultLauncher(cfg config.Config, logger *zap.Logger) (render.Launcher, error) {
	launcher, err := engine.New(cfg.Browser.Engine, cfg.BrowserOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("browser engine: %w", err)
	}
	return launcher, nil
}

// NewEngine wires the launcher, page fetcher and retry engine described by
// cfg.
func NewEngine(cfg config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := engineOptions{launchers: DefaultLauncher}
	for _, opt := range opts {
		opt(&o)
	}

	fingerprint, err := browser.Fingerprint(cfg.Browser.FingerprintScript)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	launcher, err := o.launchers(cfg, logger.Named("browser"))
	if err != nil {
		return nil, err
	}
	launcher = render.NewPacedLauncher(launcher, cfg.Fetch.LaunchesPerSecond)

	pages := render.NewPageFetcher(launcher, cfg.FetcherConfig(fingerprint), logger.Named("fetcher"))
	retry := render.NewRetryEngine(hostLimiter(cfg).Wrap(pages), cfg.RetryConfig(), logger.Named("retry"))

	// Children receive the fetch configuration explicitly on stdin.
	workerConfig, err := jsoniter.Marshal(cfg.ForWorker())
	if err != nil {
		return nil, fmt.Errorf("encode worker config: %w", err)
	}

	runner := o.runner
	if runner == nil {
		self, err := scheduler.SelfRunner(WorkerCommand)
		if err != nil {
			return nil, err
		}
		runner = self
	}

	logger.Info("fetch engine ready",
		zap.String("engine", cfg.Browser.Engine),
		zap.String("scheduler", cfg.Fetch.Scheduler),
		zap.Int("max_concurrency", cfg.Fetch.MaxConcurrency),
		zap.Int("max_retries", cfg.Fetch.MaxRetries),
		zap.Float64("launches_per_second", cfg.Fetch.LaunchesPerSecond),
	)
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		launcher:     launcher,
		fetcher:      retry,
		runner:       runner,
		workerConfig: workerConfig,
		fingerprint:  fingerprint,
	}, nil
}

// Scheduler builds the scheduler for one batch. It satisfies
// worker.SchedulerFunc.
func (e *Engine) Scheduler(params batch.Parameters, observer scheduler.Observer) (scheduler.Scheduler, error) {
	kind := params.Scheduler
	if kind == "" {
		kind = e.cfg.Fetch.Scheduler
	}
	deps := scheduler.Deps{
		Fetcher:      e.fetcher,
		Runner:       e.runner,
		WorkerConfig: e.workerConfig,
		ProfileRoot:  e.cfg.Browser.ProfileRoot,
		Launcher:     e.launcher,
		TabPool:      e.cfg.TabPoolConfig(e.fingerprint),
	}
	opts := scheduler.Options{
		Profile:     params.Apply(e.cfg.ProfileFor(kind)),
		TaskTimeout: e.cfg.TaskTimeout(),
		Observer:    observer,
		Logger:      e.logger.Named("scheduler"),
	}
	sched, err := scheduler.New(kind, deps, opts)
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	return sched, nil
}

// Fetch runs a batch to completion and hands the ordered results to out.
// Results gathered before ctx ends are still written.
func (e *Engine) Fetch(ctx context.Context, params batch.Parameters, out sink.Sink) error {
	sched, err := e.Scheduler(params, nil)
	if err != nil {
		return err
	}
	results := sched.Run(ctx, params.URLs)
	counters := batch.Count(results)
	e.logger.Info("batch fetched",
		zap.Int("urls", len(params.URLs)),
		zap.Int("succeeded", counters.Succeeded),
		zap.Int("failed", counters.Failed),
	)
	if err := out.Write(context.WithoutCancel(ctx), results); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// ChildBuilder returns the builder a ProcessIsolated child uses to turn its
// task into a retry engine. The configuration travels in the task; nothing
// is read from the environment.
func ChildBuilder(logger *zap.Logger, launchers LauncherFactory) scheduler.BuildFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if launchers == nil {
		launchers = DefaultLauncher
	}
	return func(task scheduler.Task) (scheduler.Fetcher, error) {
		if len(task.Config) == 0 {
			return nil, errors.New("task carries no configuration")
		}
		var cfg config.Config
		if err := jsoniter.Unmarshal(task.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode task configuration: %w", err)
		}
		if task.ProfileRoot != "" {
			cfg.Browser.ProfileRoot = task.ProfileRoot
		}
		fingerprint, err := browser.Fingerprint(cfg.Browser.FingerprintScript)
		if err != nil {
			return nil, fmt.Errorf("fingerprint: %w", err)
		}
		launcher, err := launchers(cfg, logger.Named("browser"))
		if err != nil {
			return nil, err
		}
		pages := render.NewPageFetcher(launcher, cfg.FetcherConfig(fingerprint), logger.Named("fetcher"))
		return render.NewRetryEngine(hostLimiter(cfg).Wrap(pages), cfg.RetryConfig(), logger.Named("retry")), nil
	}
}

func hostLimiter(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		PerHostRPS:   cfg.Fetch.PerHostRPS,
		PerHostBurst: cfg.Fetch.PerHostBurst,
	})
}
