package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func TestObserverEmitsFetchEvents(t *testing.T) {
	t.Parallel()

	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}
	emitter := &recordingEmitter{}
	id := uuid.Must(uuid.NewV7()).String()
	obs := NewObserver(emitter, id, now)

	obs.FetchStarted(2, "https://Shop.Example/item")
	res := render.Succeeded(2, "https://Shop.Example/item", render.Capture{HTML: "<p>ok</p>", StatusCode: 203})
	res.Strategy = "headless-mobile"
	obs.FetchFinished(res)
	obs.FetchFinished(render.Failed(5, "https://other.example", render.ErrHandleLost))

	require.Len(t, emitter.events, 3)
	for _, evt := range emitter.events {
		require.NoError(t, evt.Validate())
		require.Equal(t, id, evt.BatchUUID().String())
	}

	start, done, lost := emitter.events[0], emitter.events[1], emitter.events[2]
	require.Equal(t, StageFetchStart, start.Stage)
	require.Equal(t, "shop.example", start.Site)
	require.Equal(t, StageFetchDone, done.Stage)
	require.Equal(t, 2, done.Index)
	require.True(t, done.Success)
	require.Equal(t, Status2xx, done.StatusClass)
	require.Equal(t, int64(9), done.Chars)
	require.Equal(t, "headless-mobile", done.Strategy)
	require.Equal(t, 250*time.Millisecond, done.Dur)

	require.False(t, lost.Success)
	require.Equal(t, StatusOther, lost.StatusClass)
	require.Zero(t, lost.Dur, "no start was seen for index 5")
	require.NotEmpty(t, lost.Note)
}

func TestBatchKey(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	require.Equal(t, [16]byte(id), BatchKey(id.String()))
	require.Equal(t, BatchKey("batch-1"), BatchKey("batch-1"))
	require.NotEqual(t, BatchKey("batch-1"), BatchKey("batch-2"))
	require.NotEqual(t, [16]byte{}, BatchKey(""))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	key := BatchKey("b")
	ts := time.Unix(1, 0)
	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{name: "batch start", evt: Event{BatchID: key, TS: ts, Stage: StageBatchStart}},
		{name: "missing id", evt: Event{TS: ts, Stage: StageBatchStart}, want: "batch id"},
		{name: "missing ts", evt: Event{BatchID: key, Stage: StageBatchDone}, want: "timestamp"},
		{name: "fetch site", evt: Event{BatchID: key, TS: ts, Stage: StageFetchStart}, want: "requires site"},
		{name: "fetch class", evt: Event{BatchID: key, TS: ts, Stage: StageFetchDone, Site: "a"}, want: "status class"},
		{name: "stage", evt: Event{BatchID: key, TS: ts, Stage: "JOB_START"}, want: "unknown stage"},
		{name: "duration", evt: Event{BatchID: key, TS: ts, Stage: StageBatchDone, Dur: -1}, want: "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(304))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
