// Package api exposes the HTTP interface for the render service.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/batch"
	"github.com/JakeFAU/renderfetch/internal/config"
	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/sink"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	enqueueTimeout = 5 * time.Second
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
	ndjsonType     = "application/x-ndjson"
)

// Dispatcher accepts batches for asynchronous execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, item batch.QueueItem) error
	Cancel(batchID string) bool
}

// FetchFunc runs a batch in the request goroutine and writes the ordered
// results to out.
type FetchFunc func(ctx context.Context, params batch.Parameters, out sink.Sink) error

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of a Server. Fetch, Progress and Ready are
// optional.
type Deps struct {
	Store      batch.Store
	Dispatcher Dispatcher
	IDs        batch.IDGenerator
	Clock      batch.Clock
	Fetch      FetchFunc
	Progress   ProgressSource
	Ready      map[string]ReadinessCheck
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	cfg      config.Config
	logger   *zap.Logger
	progress *ProgressHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		progress: NewProgressHandler(deps.Progress, logger.Named("progress")),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// A synchronous fetch can legitimately outlive the request timeout.
		r.Post("/fetch", s.fetch)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/progress", s.progress.ListBatches)
			r.Route("/batches", func(r chi.Router) {
				r.Post("/", s.submitBatch)
				r.Route("/{batch_id}", func(r chi.Router) {
					r.Get("/status", s.getBatchStatus)
					r.Get("/result", s.getBatchResult)
					r.Get("/progress", s.progress.GetBatch)
					r.Post("/cancel", s.cancelBatch)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	params, ok := decodeParameters(w, r)
	if !ok {
		return
	}
	batchID, err := s.enqueueBatch(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		case errors.Is(err, batch.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("submit batch failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (s *Server) enqueueBatch(ctx context.Context, params batch.Parameters) (string, error) {
	batchID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	now := s.deps.Clock.Now()
	if err := s.deps.Store.Create(ctx, batch.Batch{
		ID:         batchID,
		Status:     batch.StatusQueued,
		Submitted:  now,
		Parameters: params,
	}); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := batch.QueueItem{BatchID: batchID, Params: params, Submitted: now.Unix()}
	if err := s.deps.Dispatcher.Enqueue(queueCtx, item); err != nil {
		// The batch will never run; record that instead of leaving it queued.
		if uerr := s.deps.Store.UpdateStatus(
			context.WithoutCancel(ctx), batchID, batch.StatusFailed, "enqueue failed", batch.Counters{},
		); uerr != nil {
			s.logger.Warn("mark unqueued batch failed", zap.String("batch_id", batchID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue batch: %w", err)
	}
	return batchID, nil
}

func (s *Server) getBatchStatus(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBatch(w, r)
	if !ok {
		return
	}
	body := map[string]any{"batch": b}
	if s.deps.Progress != nil {
		if snap, found := s.deps.Progress.Get(b.ID); found {
			body["progress"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) getBatchResult(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBatch(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Store.ListResults(r.Context(), b.ID)
	if err != nil {
		s.logger.Error("list results failed", zap.String("batch_id", b.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch batch results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": b, "results": records})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBatch(w, r)
	if !ok {
		return
	}
	if b.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("batch already %s", b.Status))
		return
	}
	// A running batch is stopped by its worker, which records what it
	// fetched so far.
	if s.deps.Dispatcher.Cancel(b.ID) {
		writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": b.ID, "status": "canceling"})
		return
	}
	if err := s.deps.Store.UpdateStatus(
		r.Context(), b.ID, batch.StatusCanceled, "canceled via API", b.Counters,
	); err != nil {
		s.logger.Error("cancel batch failed", zap.String("batch_id", b.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": b.ID, "status": string(batch.StatusCanceled)})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fetch == nil {
		writeError(w, http.StatusNotImplemented, "synchronous fetch disabled")
		return
	}
	params, ok := decodeParameters(w, r)
	if !ok {
		return
	}
	out := &sink.Memory{}
	if err := s.deps.Fetch(r.Context(), params, out); err != nil {
		s.logger.Error("synchronous fetch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := out.Results()
	if strings.Contains(r.Header.Get("Accept"), ndjsonType) {
		w.Header().Set("Content-Type", ndjsonType)
		w.WriteHeader(http.StatusOK)
		if err := sink.Encode(w, results); err != nil {
			s.logger.Warn("write results failed", zap.Error(err))
		}
		return
	}
	counters := batch.Count(results)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(results),
		"succeeded": counters.Succeeded,
		"failed":    counters.Failed,
		"results":   results,
	})
}

func (s *Server) loadBatch(w http.ResponseWriter, r *http.Request) (batch.Batch, bool) {
	batchID := chi.URLParam(r, "batch_id")
	b, err := s.deps.Store.Get(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return batch.Batch{}, false
		}
		s.logger.Error("load batch failed", zap.String("batch_id", batchID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return batch.Batch{}, false
	}
	return b, true
}

func decodeParameters(w http.ResponseWriter, r *http.Request) (batch.Parameters, bool) {
	var params batch.Parameters
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return batch.Parameters{}, false
	}
	for i, u := range params.URLs {
		params.URLs[i] = strings.TrimSpace(u)
	}
	if err := params.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return batch.Parameters{}, false
	}
	return params, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// RequestID returns the ID assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
