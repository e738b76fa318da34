package progress

import "context"

// Sink consumes batches of cycle events. The hub calls Consume from a single
// goroutine with a per-call deadline, and calls Close once on shutdown.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to a Sink whose Close does nothing.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close does nothing.
func (SinkFunc) Close(context.Context) error {
	return nil
}

// Emitter accepts single events. Hub satisfies it; NopEmitter discards.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter drops every event. It is used when progress is disabled.
type NopEmitter struct{}

// Emit does nothing.
func (NopEmitter) Emit(Event) {}
