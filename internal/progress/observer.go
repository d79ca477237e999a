package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/renderfetch/internal/metrics"
	"github.com/JakeFAU/renderfetch/internal/render"
)

// Observer turns scheduler callbacks into fetch events for one batch.
type Observer struct {
	emitter Emitter
	batchID [16]byte
	now     func() time.Time

	mu      sync.Mutex
	started map[int]time.Time
}

// NewObserver returns an Observer emitting under batchID. A nil now uses
// the wall clock.
func NewObserver(emitter Emitter, batchID string, now func() time.Time) *Observer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Observer{
		emitter: emitter,
		batchID: BatchKey(batchID),
		now:     now,
		started: make(map[int]time.Time),
	}
}

// FetchStarted emits FETCH_START.
func (o *Observer) FetchStarted(index int, url string) {
	ts := o.now()
	o.mu.Lock()
	o.started[index] = ts
	o.mu.Unlock()

	o.emit(Event{
		BatchID: o.batchID,
		TS:      ts,
		Stage:   StageFetchStart,
		Index:   index,
		Site:    metrics.SanitizeSite(url),
		URL:     url,
	})
}

// FetchFinished emits FETCH_DONE with the latency since FetchStarted.
func (o *Observer) FetchFinished(res render.Result) {
	ts := o.now()
	o.mu.Lock()
	began, ok := o.started[res.Index]
	delete(o.started, res.Index)
	o.mu.Unlock()

	var dur time.Duration
	if ok && ts.After(began) {
		dur = ts.Sub(began)
	}
	o.emit(Event{
		BatchID:     o.batchID,
		TS:          ts,
		Stage:       StageFetchDone,
		Index:       res.Index,
		Site:        metrics.SanitizeSite(res.URL),
		URL:         res.URL,
		Chars:       int64(res.ContentLength),
		Success:     res.Success,
		StatusClass: ClassifyStatus(res.StatusCode),
		Strategy:    res.Strategy,
		Dur:         dur,
		Note:        res.Error,
	})
}

func (o *Observer) emit(evt Event) {
	if o.emitter != nil {
		o.emitter.Emit(evt)
	}
}
