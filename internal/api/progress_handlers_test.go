package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/renderfetch/internal/progress"
	"github.com/JakeFAU/renderfetch/internal/progress/sinks"
)

const (
	runningID  = "0190b5a0-0000-7000-8000-0000000000a1"
	finishedID = "0190b5a0-0000-7000-8000-0000000000a2"
)

func TestProgressHandlerListBatches(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(seededTracker(t), zap.NewNop())

	tests := []struct {
		query string
		want  []string
	}{
		{query: "", want: []string{runningID, finishedID}},
		{query: "?state=running", want: []string{runningID}},
		{query: "?state=done", want: []string{finishedID}},
		{query: "?limit=1", want: []string{runningID}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			handler.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/v1/progress"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Batches []sinks.Snapshot `json:"batches"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			got := make([]string, 0, len(body.Batches))
			for _, snap := range body.Batches {
				got = append(got, snap.BatchID)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestProgressHandlerListBatchesInvalidQuery(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(sinks.NewTracker(0), zap.NewNop())
	for _, query := range []string{"?limit=-1", "?limit=abc", "?state=sleeping"} {
		rec := httptest.NewRecorder()
		handler.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/v1/progress"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestProgressHandlerGetBatch(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(seededTracker(t), zap.NewNop())

	rec := httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/", nil), finishedID))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Progress sinks.Snapshot `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Progress.Done)
	require.Equal(t, "succeeded", body.Progress.Status)

	rec = httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/", nil), "unknown"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/", nil), ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressHandlerDisabled(t *testing.T) {
	t.Parallel()

	handler := NewProgressHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/", nil), runningID))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// ExampleProgressHandler_GetBatch serves the progress of a finished batch.
func ExampleProgressHandler_GetBatch() {
	tracker := sinks.NewTracker(0)
	key := progress.BatchKey(finishedID)
	ts := time.Unix(0, 0).UTC()
	_ = tracker.Consume(context.Background(), []progress.Event{
		{BatchID: key, TS: ts, Stage: progress.StageBatchStart, Total: 1},
		{BatchID: key, TS: ts, Stage: progress.StageFetchDone, Index: 0, Success: true},
		{BatchID: key, TS: ts, Stage: progress.StageBatchDone, Total: 1, Note: "succeeded"},
	})

	handler := NewProgressHandler(tracker, nil)
	rec := httptest.NewRecorder()
	handler.GetBatch(rec, withBatchIDParam(httptest.NewRequest(http.MethodGet, "/", nil), finishedID))

	var body struct {
		Progress sinks.Snapshot `json:"progress"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	fmt.Println(rec.Code, body.Progress.Status, body.Progress.Succeeded)
	// Output: 200 succeeded 1
}

func seededTracker(t *testing.T) *sinks.Tracker {
	t.Helper()
	tracker := sinks.NewTracker(0)
	older := time.Unix(1700000000, 0).UTC()
	newer := older.Add(time.Minute)
	done := progress.BatchKey(finishedID)
	live := progress.BatchKey(runningID)
	require.NoError(t, tracker.Consume(context.Background(), []progress.Event{
		{BatchID: done, TS: newer, Stage: progress.StageBatchStart, Total: 1},
		{BatchID: done, TS: newer, Stage: progress.StageFetchDone, Index: 0, Success: true},
		{BatchID: done, TS: newer, Stage: progress.StageBatchDone, Total: 1, Note: "succeeded"},
		{BatchID: live, TS: older, Stage: progress.StageBatchStart, Total: 3},
		{BatchID: live, TS: older, Stage: progress.StageFetchStart, Index: 0, URL: "https://a.example"},
	}))
	return tracker
}

func withBatchIDParam(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("batch_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
