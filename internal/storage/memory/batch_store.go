// Package memory holds in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/renderfetch/internal/batch"
)

// BatchStore provides an in-memory batch.Store.
type BatchStore struct {
	mu      sync.RWMutex
	batches map[string]batch.Batch
	results map[string][]batch.Record
	now     func() time.Time
}

// NewBatchStore constructs a BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{
		batches: make(map[string]batch.Batch),
		results: make(map[string][]batch.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new batch.
func (s *BatchStore) Create(_ context.Context, b batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("%s: %w", b.ID, batch.ErrExists)
	}
	b.Parameters.URLs = append([]string(nil), b.Parameters.URLs...)
	s.batches[b.ID] = b
	return nil
}

// UpdateStatus updates the status and counters for a batch. A terminal batch
// keeps its final state.
func (s *BatchStore) UpdateStatus(
	_ context.Context,
	id string,
	status batch.Status,
	errText string,
	counters batch.Counters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, batch.ErrNotFound)
	}
	if b.Status.Terminal() {
		return nil
	}
	b.Status = status
	b.ErrorText = errText
	b.Counters = counters
	now := s.now()
	if status == batch.StatusRunning && b.Started == nil {
		b.Started = pointerTime(now)
	}
	if status.Terminal() {
		b.Finished = pointerTime(now)
	}
	s.batches[id] = b
	return nil
}

// AttachArtifact records where the batch JSONL was written.
func (s *BatchStore) AttachArtifact(_ context.Context, id string, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, batch.ErrNotFound)
	}
	b.BlobURI = uri
	s.batches[id] = b
	return nil
}

// RecordResult appends a result row for a batch.
func (s *BatchStore) RecordResult(_ context.Context, rec batch.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[rec.BatchID]; !ok {
		return fmt.Errorf("%s: %w", rec.BatchID, batch.ErrNotFound)
	}
	s.results[rec.BatchID] = append(s.results[rec.BatchID], rec)
	return nil
}

// Get fetches a batch by ID.
func (s *BatchStore) Get(_ context.Context, id string) (batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, fmt.Errorf("%s: %w", id, batch.ErrNotFound)
	}
	b.Parameters.URLs = append([]string(nil), b.Parameters.URLs...)
	return b, nil
}

// ListResults returns the rows of a batch in input order.
func (s *BatchStore) ListResults(_ context.Context, id string) ([]batch.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.batches[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, batch.ErrNotFound)
	}
	out := append([]batch.Record(nil), s.results[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
