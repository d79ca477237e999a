package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := progress.BatchKey("batch-1")
	now := time.Now()
	batch := []progress.Event{
		{BatchID: id, TS: now, Stage: progress.StageBatchStart, Total: 1},
		{BatchID: id, TS: now, Stage: progress.StageBatchStart, Total: 1},
		{
			BatchID:     id,
			TS:          now.Add(10 * time.Second),
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Chars:       1024,
			Success:     true,
			StatusClass: progress.Status2xx,
			Dur:         2 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.batchesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batchesRunning), "a repeated start counts once")

	done := progress.Event{BatchID: id, TS: now.Add(15 * time.Second), Stage: progress.StageBatchDone, Note: "succeeded", Dur: 15 * time.Second}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{done, done}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.batchesRunning))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("example.com", string(progress.Status2xx))), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "renderfetch_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.batchRuntime, "renderfetch_batch_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
