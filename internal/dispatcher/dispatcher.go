// Package dispatcher runs the batch workers against the shared queue.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/renderfetch/internal/batch"
	"github.com/JakeFAU/renderfetch/internal/worker"
)

// Dispatcher owns the worker pool and the cancel registry the workers share.
type Dispatcher struct {
	queue   batch.Queue
	workers []*worker.Worker
	cancels *worker.Cancels
}

// New creates a Dispatcher. cancels must be the registry the workers were
// built with, otherwise Cancel cannot reach their batches.
func New(queue batch.Queue, workers []*worker.Worker, cancels *worker.Cancels) *Dispatcher {
	if cancels == nil {
		cancels = worker.NewCancels()
	}
	return &Dispatcher{queue: queue, workers: workers, cancels: cancels}
}

// Run blocks until every worker has returned. Workers return when ctx ends
// or the queue is closed, so closing the queue drains the pool gracefully.
func (d *Dispatcher) Run(ctx context.Context) {
	var g errgroup.Group
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Enqueue hands a batch to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item batch.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Cancel stops a running batch and reports whether one was found.
func (d *Dispatcher) Cancel(batchID string) bool {
	return d.cancels.Cancel(batchID)
}

// Running reports the number of batches in flight.
func (d *Dispatcher) Running() int {
	return d.cancels.Running()
}
