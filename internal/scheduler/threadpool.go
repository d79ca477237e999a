package scheduler

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

// ThreadPool runs one retry engine per URL on a bounded set of goroutines.
// Each attempt owns its own browser session, so tasks share nothing but the
// result slots, which they write at disjoint indices.
type ThreadPool struct {
	fetcher Fetcher
	opts    Options
}

// NewThreadPool builds a ThreadPool over fetcher.
func NewThreadPool(fetcher Fetcher, opts Options) *ThreadPool {
	return &ThreadPool{fetcher: fetcher, opts: opts}
}

// Run implements Scheduler.
func (p *ThreadPool) Run(ctx context.Context, urls []string) []render.Result {
	logger := p.opts.logger().Named("threadpool")
	slots := make([]*render.Result, len(urls))
	profile := p.opts.profile()

	var g errgroup.Group
	g.SetLimit(p.opts.workers())
	logger.Info("batch started", zap.Int("urls", len(urls)), zap.Int("workers", p.opts.workers()))
	for i, u := range urls {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			p.opts.started(i, u)
			res := runTask(ctx, p.opts.taskTimeout(), p.opts.cleanupGrace(), i, u,
				func(taskCtx context.Context) render.Result {
					return p.fetcher.Fetch(taskCtx, render.Request{Index: i, URL: u}, profile)
				})
			slots[i] = &res
			p.opts.finished(res)
			return nil
		})
	}
	_ = g.Wait()
	logger.Info("batch finished", zap.Int("urls", len(urls)))
	return sink.Dense(urls, slots)
}
