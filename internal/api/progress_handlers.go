package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/progress/sinks"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
)

// ProgressSource is the read side of the live progress tracker.
type ProgressSource interface {
	Get(batchID string) (sinks.Snapshot, bool)
	List(limit int) []sinks.Snapshot
}

// ProgressHandler exposes read-only batch progress endpoints.
type ProgressHandler struct {
	source ProgressSource
	logger *zap.Logger
}

// NewProgressHandler wires the progress source and logger. A nil source
// makes every endpoint answer 503.
func NewProgressHandler(source ProgressSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// ListBatches handles GET /v1/progress?state=&limit=. It returns
// {"batches": [...]} with running batches first, 400 for invalid filters
// and 503 when progress tracking is disabled.
func (h *ProgressHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	limit, err := parseLimit(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keep, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]sinks.Snapshot, 0, limit)
	for _, snap := range h.source.List(0) {
		if !keep(snap) {
			continue
		}
		out = append(out, snap)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": out})
}

// GetBatch handles GET /v1/batches/{batch_id}/progress. Progress is kept
// in memory only, so batches from before a restart answer 404.
func (h *ProgressHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress tracking disabled")
		return
	}
	batchID := strings.TrimSpace(chi.URLParam(r, "batch_id"))
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	snap, ok := h.source.Get(batchID)
	if !ok {
		h.logger.Debug("no progress for batch", zap.String("batch_id", batchID))
		writeError(w, http.StatusNotFound, "no progress recorded for batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"progress": snap})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseState(input string) (func(sinks.Snapshot) bool, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "all":
		return func(sinks.Snapshot) bool { return true }, nil
	case "running":
		return func(s sinks.Snapshot) bool { return !s.Done }, nil
	case "done", "finished":
		return func(s sinks.Snapshot) bool { return s.Done }, nil
	default:
		return nil, errors.New("invalid state")
	}
}
