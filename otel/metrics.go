package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalscript/runtime"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
type MetricsHandler struct {
	nodeExecutions  metric.Int64Counter
	nodeEvaluations metric.Int64Counter
	nodeFailures    metric.Int64Counter
	edgesFired      metric.Int64Counter
	runCancels      metric.Int64Counter
	nodeDuration    metric.Float64Histogram
	runDuration     metric.Float64Histogram
	runSteps        metric.Int64Histogram
}

// NewMetricsHandler creates a MetricsHandler with instruments from meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	var (
		h   MetricsHandler
		err error
	)
	if h.nodeExecutions, err = meter.Int64Counter("petalscript.node.executions",
		metric.WithDescription("Number of exec node firings"),
	); err != nil {
		return nil, err
	}
	if h.nodeEvaluations, err = meter.Int64Counter("petalscript.node.evaluations",
		metric.WithDescription("Number of pure node evaluations"),
	); err != nil {
		return nil, err
	}
	if h.nodeFailures, err = meter.Int64Counter("petalscript.node.failures",
		metric.WithDescription("Number of node failures"),
	); err != nil {
		return nil, err
	}
	if h.edgesFired, err = meter.Int64Counter("petalscript.edge.fired",
		metric.WithDescription("Number of exec edges followed"),
	); err != nil {
		return nil, err
	}
	if h.runCancels, err = meter.Int64Counter("petalscript.run.cancellations",
		metric.WithDescription("Number of cancelled runs"),
	); err != nil {
		return nil, err
	}
	if h.nodeDuration, err = meter.Float64Histogram("petalscript.node.duration",
		metric.WithDescription("Duration of node execution in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.runDuration, err = meter.Float64Histogram("petalscript.run.duration",
		metric.WithDescription("Duration of graph run in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if h.runSteps, err = meter.Int64Histogram("petalscript.run.steps",
		metric.WithDescription("Exec steps performed per run"),
	); err != nil {
		return nil, err
	}
	return &h, nil
}

// Handle records the metrics for one event. It satisfies runtime.EventHandler.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventNodeFinished:
		attrs := nodeAttrs(e)
		h.nodeExecutions.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventNodeEvaluated:
		attrs := nodeAttrs(e)
		h.nodeEvaluations.Add(ctx, 1, attrs)
		h.nodeDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventNodeFailed:
		h.nodeFailures.Add(ctx, 1, nodeAttrs(e))
	case runtime.EventEdgeFired:
		h.edgesFired.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source_port", payloadString(e, "source_port")),
		))
	case runtime.EventRunCancelled:
		h.runCancels.Add(ctx, 1)
	case runtime.EventRunFinished:
		attrs := metric.WithAttributes(attribute.String("status", payloadString(e, "status")))
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
		h.runSteps.Record(ctx, int64(e.Step), attrs)
	}
}

func nodeAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("node_type", e.NodeType),
		attribute.String("node_id", e.NodeID),
	)
}
