package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/renderfetch/internal/progress"
)

// DefaultRetain bounds how many finished batches the tracker remembers.
const DefaultRetain = 256

// Snapshot is the live view of one batch.
type Snapshot struct {
	BatchID   string         `json:"batch_id"`
	Total     int            `json:"total"`
	Started   int            `json:"started"`
	Finished  int            `json:"finished"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	InFlight  map[int]string `json:"in_flight,omitempty"`
	Status    string         `json:"status,omitempty"`
	Done      bool           `json:"done"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tracker folds events into per-batch snapshots for the progress endpoints.
type Tracker struct {
	mu       sync.RWMutex
	batches  map[[16]byte]*Snapshot
	finished [][16]byte
	retain   int
}

// NewTracker returns a Tracker keeping at most retain finished batches.
func NewTracker(retain int) *Tracker {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Tracker{
		batches: make(map[[16]byte]*Snapshot),
		retain:  retain,
	}
}

// Consume applies the batch of events.
func (t *Tracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		snap := t.snapshot(evt)
		if evt.TS.After(snap.UpdatedAt) {
			snap.UpdatedAt = evt.TS
		}
		switch evt.Stage {
		case progress.StageBatchStart:
			snap.Total = evt.Total
			snap.StartedAt = evt.TS
		case progress.StageFetchStart:
			snap.Started++
			snap.InFlight[evt.Index] = evt.URL
		case progress.StageFetchDone:
			snap.Finished++
			if evt.Success {
				snap.Succeeded++
			} else {
				snap.Failed++
			}
			delete(snap.InFlight, evt.Index)
		case progress.StageBatchDone:
			if !snap.Done {
				snap.Done = true
				t.finished = append(t.finished, evt.BatchID)
			}
			snap.Status = evt.Note
			snap.InFlight = map[int]string{}
		}
	}
	t.evict()
	return nil
}

func (t *Tracker) snapshot(evt progress.Event) *Snapshot {
	snap, ok := t.batches[evt.BatchID]
	if !ok {
		snap = &Snapshot{
			BatchID:   evt.BatchUUID().String(),
			InFlight:  map[int]string{},
			StartedAt: evt.TS,
		}
		t.batches[evt.BatchID] = snap
	}
	return snap
}

func (t *Tracker) evict() {
	for len(t.finished) > t.retain {
		delete(t.batches, t.finished[0])
		t.finished = t.finished[1:]
	}
}

// Get returns a copy of the snapshot for batchID.
func (t *Tracker) Get(batchID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.batches[progress.BatchKey(batchID)]
	if !ok {
		return Snapshot{}, false
	}
	return copySnapshot(snap), true
}

// List returns snapshots, running batches first, newest first within each
// group. A zero limit returns everything.
func (t *Tracker) List(limit int) []Snapshot {
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.batches))
	for _, snap := range t.batches {
		out = append(out, copySnapshot(snap))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Done != out[j].Done {
			return !out[i].Done
		}
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].BatchID < out[j].BatchID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (t *Tracker) Close(context.Context) error {
	return nil
}

func copySnapshot(s *Snapshot) Snapshot {
	out := *s
	out.InFlight = make(map[int]string, len(s.InFlight))
	for k, v := range s.InFlight {
		out.InFlight[k] = v
	}
	return out
}
