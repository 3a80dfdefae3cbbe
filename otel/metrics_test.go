package otel_test

import (
	"context"
	"io"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/petal-labs/petalscript/graph"
	"github.com/petal-labs/petalscript/nodes"
	petalotel "github.com/petal-labs/petalscript/otel"
	"github.com/petal-labs/petalscript/runtime"
)

// newTestMeter returns a meter backed by a manual reader.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func counterTotal(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func newHandler(t *testing.T) (*metric.ManualReader, *petalotel.MetricsHandler) {
	t.Helper()
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return reader, h
}

func TestMetricsHandler_NodeFinished(t *testing.T) {
	reader, h := newHandler(t)

	h.Handle(runtime.Event{
		Kind:     runtime.EventNodeFinished,
		RunID:    "run-1",
		NodeID:   "print",
		NodeType: "Print",
		Elapsed:  250 * time.Millisecond,
	})

	rm := collectMetrics(t, reader)
	if got := counterTotal(t, rm, "petalscript.node.executions"); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	dur := findMetric(rm, "petalscript.node.duration")
	if dur == nil {
		t.Fatal("node duration not recorded")
	}
	hist := dur.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 0.25 {
		t.Errorf("duration points = %+v", hist.DataPoints)
	}
	attrs := hist.DataPoints[0].Attributes
	if v, ok := attrs.Value("node_type"); !ok || v.AsString() != "Print" {
		t.Errorf("node_type attribute = %v", v)
	}
}

func TestMetricsHandler_Counters(t *testing.T) {
	reader, h := newHandler(t)

	h.Handle(runtime.Event{Kind: runtime.EventNodeEvaluated, NodeID: "add", NodeType: "Add"})
	h.Handle(runtime.Event{Kind: runtime.EventNodeEvaluated, NodeID: "add", NodeType: "Add"})
	h.Handle(runtime.Event{Kind: runtime.EventNodeFailed, NodeID: "x", Payload: map[string]any{"error": "e"}})
	h.Handle(runtime.Event{Kind: runtime.EventEdgeFired, Payload: map[string]any{"source_port": "out"}})
	h.Handle(runtime.Event{Kind: runtime.EventEdgeFired, Payload: map[string]any{"source_port": "then"}})
	h.Handle(runtime.Event{Kind: runtime.EventEdgeFired, Payload: map[string]any{"source_port": "then"}})
	h.Handle(runtime.Event{Kind: runtime.EventRunCancelled})

	rm := collectMetrics(t, reader)
	tests := []struct {
		name string
		want int64
	}{
		{"petalscript.node.evaluations", 2},
		{"petalscript.node.failures", 1},
		{"petalscript.edge.fired", 3},
		{"petalscript.run.cancellations", 1},
	}
	for _, tt := range tests {
		if got := counterTotal(t, rm, tt.name); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetricsHandler_RunFinished(t *testing.T) {
	reader, h := newHandler(t)

	h.Handle(runtime.Event{
		Kind:    runtime.EventRunFinished,
		Elapsed: 2 * time.Second,
		Step:    7,
		Payload: map[string]any{"status": "completed"},
	})

	rm := collectMetrics(t, reader)
	dur := findMetric(rm, "petalscript.run.duration")
	if dur == nil {
		t.Fatal("run duration not recorded")
	}
	if h := dur.Data.(metricdata.Histogram[float64]); h.DataPoints[0].Sum != 2 {
		t.Errorf("run duration sum = %v, want 2", h.DataPoints[0].Sum)
	}
	steps := findMetric(rm, "petalscript.run.steps")
	if steps == nil {
		t.Fatal("run steps not recorded")
	}
	if h := steps.Data.(metricdata.Histogram[int64]); h.DataPoints[0].Sum != 7 {
		t.Errorf("run steps sum = %v, want 7", h.DataPoints[0].Sum)
	}
}

func TestMetricsHandler_EngineRun(t *testing.T) {
	reader, h := newHandler(t)

	def := graph.NewBuilder("seq").
		Node("entry", "BeginPlay", nil).
		Node("seq", "Sequence", nil).
		Node("a", "Print", nil).
		Node("b", "Print", nil).
		Exec("entry", "out", "seq", "in").
		Exec("seq", "then0", "a", "in").
		Exec("seq", "then1", "b", "in").
		MustBuild()

	eng, err := runtime.NewEngine(nodes.NewRegistry(), def,
		runtime.WithOutput(io.Discard),
		runtime.WithEventHandler(h.Handle),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterTotal(t, rm, "petalscript.node.executions"); got != 4 {
		t.Errorf("executions = %d, want 4", got)
	}
	if got := counterTotal(t, rm, "petalscript.edge.fired"); got != 3 {
		t.Errorf("edges = %d, want 3", got)
	}
}
