// Package worker implements the batch execution loop behind the HTTP API.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/batch"
	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/progress"
	"github.com/JakeFAU/renderfetch/internal/render"
	"github.com/JakeFAU/renderfetch/internal/scheduler"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

// DefaultContentType labels the JSONL artifact.
const DefaultContentType = "application/x-ndjson"

// persistTimeout bounds the writes that follow a canceled batch.
const persistTimeout = 30 * time.Second

// SchedulerFunc builds the scheduler for one batch. The observer must be
// handed to the scheduler so progress events flow.
type SchedulerFunc func(params batch.Parameters, observer scheduler.Observer) (scheduler.Scheduler, error)

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Deps are the collaborators of a Worker. Results, Publisher and Emitter
// are optional.
type Deps struct {
	Queue     batch.Queue
	Store     batch.Store
	Results   batch.ResultRecorder
	Blobs     batch.BlobStore
	Publisher batch.Publisher
	Hasher    batch.Hasher
	Clock     batch.Clock
	IDs       batch.IDGenerator
	Build     SchedulerFunc
	Emitter   progress.Emitter
	Cancels   *Cancels
}

// Worker consumes queue items and runs each batch to completion.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	if deps.Cancels == nil {
		deps.Cancels = NewCancels()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, batch.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued batch", zap.String("batch_id", item.BatchID))
		w.Process(ctx, item)
	}
}

// Process runs one batch. Failures are recorded on the batch; nothing is
// returned.
func (w *Worker) Process(ctx context.Context, item batch.QueueItem) {
	logger := w.logger.With(zap.String("batch_id", item.BatchID))

	// Registered before the status check so a cancel request either finds
	// the batch running or finds it still queued in the store.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.deps.Cancels.register(item.BatchID, cancel)
	defer w.deps.Cancels.done(item.BatchID)

	current, err := w.deps.Store.Get(ctx, item.BatchID)
	if err != nil {
		logger.Error("load batch failed", zap.Error(err))
		return
	}
	if current.Status.Terminal() {
		logger.Info("skipping finished batch", zap.String("status", string(current.Status)))
		return
	}

	if err := w.deps.Store.UpdateStatus(ctx, item.BatchID, batch.StatusRunning, "", batch.Counters{}); err != nil {
		logger.Error("update batch status failed", zap.Error(err))
		return
	}

	started := w.deps.Clock.Now()
	w.emit(progress.Event{
		BatchID: progress.BatchKey(item.BatchID),
		TS:      started,
		Stage:   progress.StageBatchStart,
		Total:   len(item.Params.URLs),
	})

	observer := progress.NewObserver(w.deps.Emitter, item.BatchID, w.deps.Clock.Now)
	sched, err := w.deps.Build(item.Params, observer)
	if err != nil {
		w.finish(ctx, logger, item, started, batch.StatusFailed, fmt.Sprintf("build scheduler: %v", err), nil, "")
		return
	}

	results := sched.Run(runCtx, item.Params.URLs)
	canceled := runCtx.Err() != nil

	// A canceled batch still persists what it has.
	persistCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer stop()

	uri, persistErr := w.persist(persistCtx, item.BatchID, results)
	status, errText := deriveFinalStatus(results, canceled, persistErr)
	if ctx.Err() != nil && canceled {
		errText = "service shutting down"
	}
	w.finish(persistCtx, logger, item, started, status, errText, results, uri)
}

// persist writes the JSONL artifact and one row per result.
func (w *Worker) persist(ctx context.Context, batchID string, results []render.Result) (string, error) {
	data, err := sink.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.blobPath(batchID), w.cfg.ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if err := w.deps.Store.AttachArtifact(ctx, batchID, uri); err != nil {
		return uri, fmt.Errorf("attach artifact: %w", err)
	}

	var errs []error
	for _, res := range results {
		rec, err := w.record(batchID, res, uri)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := w.deps.Store.RecordResult(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("record result %d: %w", res.Index, err))
		}
		if w.deps.Results != nil {
			if err := w.deps.Results.RecordResult(ctx, rec); err != nil {
				errs = append(errs, fmt.Errorf("record result row %d: %w", res.Index, err))
			}
		}
	}
	return uri, errors.Join(errs...)
}

func (w *Worker) record(batchID string, res render.Result, uri string) (batch.Record, error) {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return batch.Record{}, fmt.Errorf("row id: %w", err)
	}
	hash := ""
	if res.Success {
		if hash, err = w.deps.Hasher.Hash([]byte(res.HTML)); err != nil {
			return batch.Record{}, fmt.Errorf("hash result %d: %w", res.Index, err)
		}
	}
	return batch.NewRecord(id, batchID, res, hash, uri, w.deps.Clock.Now()), nil
}

func (w *Worker) finish(
	ctx context.Context,
	logger *zap.Logger,
	item batch.QueueItem,
	started time.Time,
	status batch.Status,
	errText string,
	results []render.Result,
	uri string,
) {
	counters := batch.Count(results)
	if err := w.deps.Store.UpdateStatus(ctx, item.BatchID, status, errText, counters); err != nil {
		logger.Error("final batch status update failed", zap.Error(err))
	}
	metrics.ObserveBatch(string(status))

	finished := w.deps.Clock.Now()
	w.emit(progress.Event{
		BatchID: progress.BatchKey(item.BatchID),
		TS:      finished,
		Stage:   progress.StageBatchDone,
		Total:   len(item.Params.URLs),
		Dur:     max(finished.Sub(started), 0),
		Note:    string(status),
	})
	logger.Info("batch finished",
		zap.String("status", string(status)),
		zap.Int("succeeded", counters.Succeeded),
		zap.Int("failed", counters.Failed),
		zap.String("blob_uri", uri),
		zap.String("error", errText),
	)

	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	payload := batch.Completion{
		BatchID:   item.BatchID,
		Status:    status,
		Total:     len(item.Params.URLs),
		Succeeded: counters.Succeeded,
		Failed:    counters.Failed,
		BlobURI:   uri,
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		logger.Error("publish completion failed", zap.Error(err))
	}
}

func (w *Worker) blobPath(batchID string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return batchID + ".jsonl"
	}
	return fmt.Sprintf("%s/%s.jsonl", prefix, batchID)
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Emitter != nil {
		w.deps.Emitter.Emit(evt)
	}
}

func deriveFinalStatus(results []render.Result, canceled bool, persistErr error) (batch.Status, string) {
	counters := batch.Count(results)
	switch {
	case canceled:
		return batch.StatusCanceled, "canceled"
	case persistErr != nil:
		return batch.StatusFailed, persistErr.Error()
	case counters.Succeeded == 0:
		return batch.StatusFailed, "no pages were fetched"
	default:
		return batch.StatusSucceeded, ""
	}
}
