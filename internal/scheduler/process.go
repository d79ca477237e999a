package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

// Task is the unit of work handed to a child process on stdin.
type Task struct {
	Index   int            `json:"index"`
	URL     string         `json:"url"`
	Profile render.Profile `json:"profile"`
	// ProfileRoot is a directory the parent owns; the child keeps every
	// browser profile under it and the parent removes it after the child
	// exits, whatever happened inside.
	ProfileRoot string `json:"profile_root"`
	// Config carries the child's full fetch configuration explicitly so no
	// process-wide environment is involved.
	Config jsoniter.RawMessage `json:"config,omitempty"`
}

// TaskOutput is what the child writes to stdout.
type TaskOutput struct {
	Result render.Result `json:"result"`
}

// Runner executes one task in isolation.
type Runner interface {
	Run(ctx context.Context, task Task) (render.Result, error)
}

// ExecRunner runs tasks by re-executing a binary.
type ExecRunner struct {
	Path string
	Args []string
	Env  []string
	// Stderr receives the child's log output. Nil discards it.
	Stderr io.Writer
	// WaitDelay bounds how long to wait for the child after its context
	// ends before it is killed outright.
	WaitDelay time.Duration
}

// SelfRunner re-executes the running binary with args, typically the hidden
// worker subcommand.
func SelfRunner(args ...string) (*ExecRunner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecRunner{Path: path, Args: args, Stderr: os.Stderr, WaitDelay: 5 * time.Second}, nil
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, task Task) (render.Result, error) {
	payload, err := jsoniter.Marshal(task)
	if err != nil {
		return render.Result{}, fmt.Errorf("encode task: %w", err)
	}
	cmd := exec.CommandContext(ctx, r.Path, r.Args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = r.Stderr
	cmd.WaitDelay = r.WaitDelay

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return render.Result{}, fmt.Errorf("worker process: %w", ctx.Err())
		}
		return render.Result{}, fmt.Errorf("worker process: %w", err)
	}
	var out TaskOutput
	if err := jsoniter.Unmarshal(stdout.Bytes(), &out); err != nil {
		return render.Result{}, fmt.Errorf("decode worker output: %w", err)
	}
	return out.Result, nil
}

// ProcessIsolated runs every URL in its own child process so a crashing
// browser cannot take siblings down with it.
type ProcessIsolated struct {
	runner      Runner
	opts        Options
	config      jsoniter.RawMessage
	profileRoot string
}

// NewProcessIsolated builds the scheduler. config is forwarded verbatim to
// every child; profileRoot is where per-task directories are created (empty
// means the system temp dir).
func NewProcessIsolated(runner Runner, opts Options, config []byte, profileRoot string) *ProcessIsolated {
	return &ProcessIsolated{
		runner:      runner,
		opts:        opts,
		config:      config,
		profileRoot: profileRoot,
	}
}

// Run implements Scheduler.
func (p *ProcessIsolated) Run(ctx context.Context, urls []string) []render.Result {
	logger := p.opts.logger().Named("process")
	slots := make([]*render.Result, len(urls))
	sem := semaphore.NewWeighted(int64(p.opts.workers()))
	done := make(chan struct{}, len(urls))

	launched := 0
	for i, u := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			res := render.Failed(i, u, fmt.Errorf("worker slot: %w", err))
			slots[i] = &res
			p.opts.finished(res)
			continue
		}
		launched++
		go func() {
			defer func() { done <- struct{}{} }()
			defer sem.Release(1)
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			p.opts.started(i, u)
			res := runTask(ctx, p.opts.taskTimeout(), p.opts.cleanupGrace(), i, u,
				func(taskCtx context.Context) render.Result {
					return p.runChild(taskCtx, logger, i, u)
				})
			slots[i] = &res
			p.opts.finished(res)
		}()
	}
	for range launched {
		<-done
	}
	return sink.Dense(urls, slots)
}

func (p *ProcessIsolated) runChild(ctx context.Context, logger *zap.Logger, index int, url string) render.Result {
	root, err := os.MkdirTemp(p.profileRoot, "renderfetch-task-*")
	if err != nil {
		return render.Failed(index, url, fmt.Errorf("create task dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(root); err != nil {
			metrics.IncCleanupFailures()
			logger.Warn("task dir cleanup failed", zap.String("dir", root), zap.Error(err))
		}
	}()

	res, err := p.runner.Run(ctx, Task{
		Index:       index,
		URL:         url,
		Profile:     p.opts.profile(),
		ProfileRoot: root,
		Config:      p.config,
	})
	if err != nil {
		logger.Warn("worker process failed", zap.Int("index", index), zap.String("url", url), zap.Error(err))
		return render.Failed(index, url, render.NewError(render.KindHandleLost, url, err))
	}
	res.Index, res.URL = index, url
	return res
}

// BuildFunc turns a decoded task into the engine the child runs.
type BuildFunc func(task Task) (Fetcher, error)

// ServeTask is the child side of the protocol: it reads one Task from in,
// fetches it and writes the TaskOutput to out. Setup failures are still
// reported as a failure record so the parent can tell them from a crash.
func ServeTask(ctx context.Context, in io.Reader, out io.Writer, build BuildFunc) error {
	var task Task
	if err := jsoniter.NewDecoder(in).Decode(&task); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	var res render.Result
	fetcher, err := build(task)
	if err != nil {
		res = render.Failed(task.Index, task.URL, fmt.Errorf("prepare worker: %w", err))
	} else {
		profile := task.Profile
		if profile.Timeout <= 0 {
			profile.Timeout = DefaultTimeout
		}
		res = fetcher.Fetch(ctx, render.Request{Index: task.Index, URL: task.URL}, profile)
	}
	if err := jsoniter.NewEncoder(out).Encode(TaskOutput{Result: res}); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// errNoRunner is returned by New when the process model lacks a runner.
var errNoRunner = errors.New("process scheduler needs a runner")
