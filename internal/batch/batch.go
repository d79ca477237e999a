// Package batch defines the asynchronous batch model shared by the HTTP API,
// the queue, the workers and the storage backends.
package batch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/scheduler"
)

// Status represents the lifecycle state of a batch.
type Status string

// Batch status values persisted in the store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Sentinels shared by the store and queue implementations.
var (
	ErrNotFound    = errors.New("batch not found")
	ErrExists      = errors.New("batch already exists")
	ErrQueueClosed = errors.New("queue closed")
)

// maxRetriesLimit caps the per-strategy retries a client may ask for.
const maxRetriesLimit = 10

// Parameters are the per-batch knobs a client may send. Nil and zero values
// fall back to the service configuration.
type Parameters struct {
	URLs           []string `json:"urls"`
	Scheduler      string   `json:"scheduler,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Headless       *bool    `json:"headless,omitempty"`
	Mobile         *bool    `json:"mobile,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
}

// Validate rejects parameters no scheduler could run.
func (p Parameters) Validate() error {
	if len(p.URLs) == 0 {
		return errors.New("urls must not be empty")
	}
	for i, raw := range p.URLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("urls[%d]: %q is not an absolute http(s) url", i, raw)
		}
	}
	switch p.Scheduler {
	case "", scheduler.KindThreadPool, scheduler.KindProcess, scheduler.KindTabPool:
	default:
		return fmt.Errorf("unknown scheduler %q", p.Scheduler)
	}
	if p.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be >= 0")
	}
	if p.MaxRetries != nil && (*p.MaxRetries < 0 || *p.MaxRetries > maxRetriesLimit) {
		return fmt.Errorf("max_retries must be between 0 and %d", maxRetriesLimit)
	}
	return nil
}

// Apply overlays the parameters on the service profile.
func (p Parameters) Apply(base render.Profile) render.Profile {
	out := base
	if p.TimeoutSeconds > 0 {
		out.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	if p.Headless != nil {
		out.HeadlessPreferred = *p.Headless
	}
	if p.Mobile != nil {
		out.Mobile = *p.Mobile
	}
	if p.MaxRetries != nil {
		out.MaxRetries = *p.MaxRetries
	}
	return out
}

// Batch is the metadata persisted for each submitted batch.
type Batch struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Submitted  time.Time  `json:"submitted_at"`
	Started    *time.Time `json:"started_at,omitempty"`
	Finished   *time.Time `json:"finished_at,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	Parameters Parameters `json:"parameters"`
	Counters   Counters   `json:"counters"`
	BlobURI    string     `json:"blob_uri,omitempty"`
}

// Counters tally terminal results for a batch.
type Counters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Count tallies results.
func Count(results []render.Result) Counters {
	var c Counters
	for _, r := range results {
		if r.Success {
			c.Succeeded++
		} else {
			c.Failed++
		}
	}
	return c
}

// Record is the per-URL row kept for a batch. The rendered HTML lives in the
// batch artifact; the row carries its hash.
type Record struct {
	ID            string    `json:"id"`
	BatchID       string    `json:"batch_id"`
	Index         int       `json:"index"`
	URL           string    `json:"url"`
	StatusCode    int       `json:"status_code"`
	ContentLength int       `json:"content_length"`
	Success       bool      `json:"success"`
	Strategy      string    `json:"strategy,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	ErrorText     string    `json:"error,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
	BlobURI       string    `json:"blob_uri,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// NewRecord converts a terminal result into a row.
func NewRecord(id, batchID string, res render.Result, hash, blobURI string, at time.Time) Record {
	return Record{
		ID:            id,
		BatchID:       batchID,
		Index:         res.Index,
		URL:           res.URL,
		StatusCode:    res.StatusCode,
		ContentLength: res.ContentLength,
		Success:       res.Success,
		Strategy:      res.Strategy,
		Attempts:      res.Attempts,
		ErrorText:     res.Error,
		ContentHash:   hash,
		BlobURI:       blobURI,
		FetchedAt:     at,
	}
}

// Completion is published once a batch reaches a terminal state.
type Completion struct {
	BatchID   string `json:"batch_id"`
	Status    Status `json:"status"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	BlobURI   string `json:"blob_uri,omitempty"`
}

// QueueItem wraps a batch ready to run.
type QueueItem struct {
	BatchID   string
	Params    Parameters
	Submitted int64
}
