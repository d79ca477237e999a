// Package memory provides the in-process batch queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/renderfetch/internal/batch"
)

// Queue errors.
var (
	ErrClosed = batch.ErrQueueClosed
	ErrFull   = errors.New("queue full")
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch chan batch.QueueItem
	// mu guards closed; senders hold it shared so Close never races a send.
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{ch: make(chan batch.QueueItem, capacity)}
}

// Enqueue pushes a batch or returns once the context ends.
func (q *Queue) Enqueue(ctx context.Context, item batch.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue pushes a batch without waiting for space.
func (q *Queue) TryEnqueue(item batch.QueueItem) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next batch, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (batch.QueueItem, error) {
	select {
	case <-ctx.Done():
		return batch.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return batch.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of waiting batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake; queued batches can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
