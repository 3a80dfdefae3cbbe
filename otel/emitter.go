package otel

import (
	"github.com/petal-labs/petalscript/runtime"
)

// EnrichEmitter stamps events with the trace context of the active span
// known to tracing: the node span for node events, else the run span.
// Events without an active span pass through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.NodeID != "" {
			if sc := tracing.ActiveSpanContext(e.RunID, e.NodeID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			if sc := tracing.ActiveRunSpanContext(e.RunID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// Decorator returns an engine emitter decorator that feeds every event to
// tracing before stamping and forwarding it. Install it with
// runtime.WithEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		enriched := EnrichEmitter(next, tracing)
		return func(e runtime.Event) {
			if e.Kind != runtime.EventNodeFinished && e.Kind != runtime.EventNodeFailed && e.Kind != runtime.EventRunFinished {
				tracing.Handle(e)
				enriched(e)
				return
			}
			// Stamp ending events before their span is closed.
			enriched(e)
			tracing.Handle(e)
		}
	}
}
