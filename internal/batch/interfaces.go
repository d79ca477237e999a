package batch

import (
	"context"
	"io"
	"time"
)

// Store persists batch and per-result metadata.
type Store interface {
	Create(ctx context.Context, b Batch) error
	UpdateStatus(ctx context.Context, id string, status Status, errText string, counters Counters) error
	AttachArtifact(ctx context.Context, id string, uri string) error
	Get(ctx context.Context, id string) (Batch, error)
	ResultRecorder
	ListResults(ctx context.Context, id string) ([]Record, error)
}

// ResultRecorder receives one row per result.
type ResultRecorder interface {
	RecordResult(ctx context.Context, rec Record) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for batches.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch and row IDs.
type IDGenerator interface {
	NewID() (string, error)
}
