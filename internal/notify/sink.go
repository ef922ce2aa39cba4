package notify

import "context"

// Sink receives events during session processing.
// Implementations should be non-blocking or handle backpressure gracefully.
type Sink interface {
	// Emit sends an event to the sink.
	// Implementations must be safe to call from multiple goroutines.
	Emit(ctx context.Context, e Event)
}

// ChanSink sends events to a channel with non-blocking behavior when the channel is full.
type ChanSink struct {
	ch chan<- Event
}

// NewChanSink creates a sink that sends to a channel.
// The channel should be buffered to avoid blocking.
func NewChanSink(ch chan<- Event) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel (non-blocking if full or context cancelled).
func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
		// Channel full - drop event rather than block
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink that dispatches events to multiple sinks.
// Nil sinks are filtered out automatically.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// FuncSink wraps a function as a Sink for inline event handling.
type FuncSink struct {
	fn func(ctx context.Context, e Event)
}

// NewFuncSink creates a sink that calls the provided function for each event.
func NewFuncSink(fn func(ctx context.Context, e Event)) *FuncSink {
	return &FuncSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *FuncSink) Emit(ctx context.Context, e Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events silently. Useful for testing or when event handling is not needed.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e Event) {}
