package progress

import "context"

// Sink receives batches of harvest events from the Hub. Consume may be
// called again after an error and must respect ctx.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts one event at a time. The harvest controller depends on
// this rather than on Hub.
type Emitter interface {
	Emit(evt Event)
}
