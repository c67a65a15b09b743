package stream

import "context"

// Sink receives a copy of every event after it has been sequenced. Sinks must
// not block the caller for longer than a local enqueue.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Sinks fans an event out to several sinks in order.
type Sinks []Sink

func (s Sinks) Publish(ctx context.Context, ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ctx, ev)
		}
	}
}
