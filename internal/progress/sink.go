package progress

import "context"

// Sink receives flushed batches of events in emission order. Consume is
// called from the hub goroutine only, with a context bounded by
// Config.SinkTimeout.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what workers and schedulers report progress to.
type Emitter interface {
	Emit(evt Event)
}
