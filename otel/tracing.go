// Package otel provides OpenTelemetry integration for petalscript engine events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalscript/runtime"
)

// TracingHandler translates engine events into OpenTelemetry spans: one
// root span per run and one child span per exec node firing. Edge
// traversals, pure evaluations and cancellations are recorded as span
// events on the run span.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	nodeSpans map[string]trace.Span      // runID:nodeID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes an engine event. It satisfies runtime.EventHandler.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.handleRunStarted(e)
	case runtime.EventNodeStarted:
		h.handleNodeStarted(e)
	case runtime.EventNodeFinished:
		h.handleNodeFinished(e)
	case runtime.EventNodeFailed:
		h.handleNodeFailed(e)
	case runtime.EventEdgeFired, runtime.EventNodeEvaluated, runtime.EventRunCancelled:
		h.handleRunEvent(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func nodeKey(runID, nodeID string) string {
	return runID + ":" + nodeID
}

func payloadString(e runtime.Event, key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

func (h *TracingHandler) handleRunStarted(e runtime.Event) {
	graphID := payloadString(e, "graph")

	spanName := "run:" + e.RunID
	if graphID != "" {
		spanName = "run:" + graphID
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("petalscript.run_id", e.RunID),
		),
		trace.WithTimestamp(e.Time),
	)
	if graphID != "" {
		span.SetAttributes(attribute.String("petalscript.graph", graphID))
	}

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleNodeStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("petalscript.run_id", e.RunID),
			attribute.String("petalscript.node_id", e.NodeID),
			attribute.String("petalscript.node_type", e.NodeType),
			attribute.Int("petalscript.step", e.Step),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[nodeKey(e.RunID, e.NodeID)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) takeNodeSpan(e runtime.Event) (trace.Span, bool) {
	key := nodeKey(e.RunID, e.NodeID)
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.nodeSpans[key]
	if ok {
		delete(h.nodeSpans, key)
	}
	return span, ok
}

func (h *TracingHandler) handleNodeFinished(e runtime.Event) {
	span, ok := h.takeNodeSpan(e)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("petalscript.duration", e.Elapsed.String()))
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleNodeFailed ends the node span with an error. Pure nodes have no
// span of their own, so their failures are recorded on the run span.
func (h *TracingHandler) handleNodeFailed(e runtime.Event) {
	errMsg := payloadString(e, "error")
	if errMsg == "" {
		errMsg = "unknown error"
	}

	span, ok := h.takeNodeSpan(e)
	if !ok {
		h.mu.RLock()
		run, found := h.runSpans[e.RunID]
		h.mu.RUnlock()
		if found {
			run.RecordError(spanError(errMsg),
				trace.WithTimestamp(e.Time),
				trace.WithAttributes(attribute.String("petalscript.node_id", e.NodeID)),
			)
		}
		return
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("petalscript.step", e.Step),
	}
	if e.NodeID != "" {
		attrs = append(attrs, attribute.String("petalscript.node_id", e.NodeID))
	}
	if e.Kind == runtime.EventEdgeFired {
		attrs = append(attrs,
			attribute.String("petalscript.source_port", payloadString(e, "source_port")),
			attribute.String("petalscript.target", payloadString(e, "target")),
			attribute.String("petalscript.target_port", payloadString(e, "target_port")),
		)
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e, "status")
	span.SetAttributes(
		attribute.String("petalscript.duration", e.Elapsed.String()),
		attribute.String("petalscript.status", status),
		attribute.Int("petalscript.steps", e.Step),
	)
	if status == "failed" {
		errMsg := payloadString(e, "error")
		if errMsg == "" {
			errMsg = "run failed"
		}
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the active node span, or
// an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[nodeKey(runID, nodeID)]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext of the active run span, or
// an empty SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
