// Package scheduler applies the per-URL retry engine across a batch. Three
// models are offered: ThreadPool (one session per task in goroutines),
// ProcessIsolated (one child process per task) and TabPool (one shared
// session polled by a single loop).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
)

// Scheduler kinds accepted by configuration.
const (
	KindThreadPool = "threadpool"
	KindProcess    = "process"
	KindTabPool    = "tabpool"
)

// Defaults shared by the models.
const (
	DefaultConcurrency = 5
	DefaultTimeout     = 60 * time.Second
	DefaultTaskTimeout = 10 * time.Minute
	// DefaultCleanupGrace is how long a timed-out task may take to tear
	// down its session before it is abandoned. It exceeds the child
	// process WaitDelay.
	DefaultCleanupGrace = 15 * time.Second
)

// Scheduler fetches urls and returns exactly one result per URL in input
// order. It never fails as a whole; per-URL failures are result records.
type Scheduler interface {
	Run(ctx context.Context, urls []string) []render.Result
}

// Fetcher is the per-URL retry engine. The profile's Timeout is already
// resolved by the caller.
type Fetcher interface {
	Fetch(ctx context.Context, req render.Request, profile render.Profile) render.Result
}

// Observer is told when a URL starts and finishes. Calls for different
// indices may arrive concurrently.
type Observer interface {
	FetchStarted(index int, url string)
	FetchFinished(result render.Result)
}

// Options are common to every model.
type Options struct {
	Profile render.Profile
	// TaskTimeout bounds one URL end to end in the ThreadPool and
	// ProcessIsolated models.
	TaskTimeout time.Duration
	// CleanupGrace bounds the wait for a timed-out task to release its
	// browser session and profile directory.
	CleanupGrace time.Duration
	Observer     Observer
	Logger       *zap.Logger
}

func (o Options) workers() int {
	if o.Profile.MaxConcurrency > 0 {
		return o.Profile.MaxConcurrency
	}
	return DefaultConcurrency
}

func (o Options) timeout() time.Duration {
	if o.Profile.Timeout > 0 {
		return o.Profile.Timeout
	}
	return DefaultTimeout
}

// profile returns the batch profile with its timeout resolved.
func (o Options) profile() render.Profile {
	p := o.Profile
	p.Timeout = o.timeout()
	return p
}

func (o Options) cleanupGrace() time.Duration {
	if o.CleanupGrace > 0 {
		return o.CleanupGrace
	}
	return DefaultCleanupGrace
}

func (o Options) taskTimeout() time.Duration {
	if o.TaskTimeout > 0 {
		return o.TaskTimeout
	}
	return DefaultTaskTimeout
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o Options) started(index int, url string) {
	if o.Observer != nil {
		o.Observer.FetchStarted(index, url)
	}
}

func (o Options) finished(res render.Result) {
	metrics.ObserveResult(metrics.SanitizeSite(res.URL), res.Success, res.ContentLength)
	if o.Observer != nil {
		o.Observer.FetchFinished(res)
	}
}

// runTask executes fn under the per-task timeout. A panic or an expired
// deadline yields a failure record for the index. After the deadline fn gets
// up to grace to return so its session and profile directory are gone before
// the batch ends; a task that ignores its context past that is abandoned.
func runTask(ctx context.Context, timeout, grace time.Duration, index int, url string,
	fn func(context.Context) render.Result,
) render.Result {
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan render.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- render.Failed(index, url, fmt.Errorf("task panicked: %v", r))
			}
		}()
		done <- fn(taskCtx)
	}()

	select {
	case res := <-done:
		res.Index, res.URL = index, url
		return res
	case <-taskCtx.Done():
	}

	cause := taskCtx.Err()
	wait := time.NewTimer(grace)
	defer wait.Stop()
	select {
	case <-done:
		return render.Failed(index, url, fmt.Errorf("task stopped after %s: %w", timeout, cause))
	case <-wait.C:
		return render.Failed(index, url, fmt.Errorf("task abandoned %s after its deadline: %w", grace, cause))
	}
}

// Deps carries what each model needs; only the fields of the chosen kind
// are consulted.
type Deps struct {
	// Fetcher drives ThreadPool tasks.
	Fetcher Fetcher
	// Runner executes ProcessIsolated tasks. WorkerConfig is forwarded to
	// every child and ProfileRoot hosts the per-task directories.
	Runner       Runner
	WorkerConfig []byte
	ProfileRoot  string
	// Launcher and TabPool configure the shared-session model.
	Launcher render.Launcher
	TabPool  TabPoolConfig
}

// New builds the scheduler named by kind.
func New(kind string, deps Deps, opts Options) (Scheduler, error) {
	switch kind {
	case KindThreadPool, "":
		if deps.Fetcher == nil {
			return nil, fmt.Errorf("%s scheduler needs a fetcher", KindThreadPool)
		}
		return NewThreadPool(deps.Fetcher, opts), nil
	case KindProcess:
		if deps.Runner == nil {
			return nil, errNoRunner
		}
		return NewProcessIsolated(deps.Runner, opts, deps.WorkerConfig, deps.ProfileRoot), nil
	case KindTabPool:
		if deps.Launcher == nil {
			return nil, fmt.Errorf("%s scheduler needs a launcher", KindTabPool)
		}
		return NewTabPool(deps.Launcher, deps.TabPool, opts), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", kind)
	}
}
