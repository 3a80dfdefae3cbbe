package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	petalotel "github.com/petal-labs/petalscript/otel"
	"github.com/petal-labs/petalscript/runtime"
)

const instrumentationName = "github.com/petal-labs/petalscript"

// telemetryConfig selects the telemetry pipelines for a command.
type telemetryConfig struct {
	// OTLPEndpoint enables span export over OTLP/HTTP. It is a host:port
	// or a full URL.
	OTLPEndpoint string
	Insecure     bool
	// Metrics collects engine metrics in memory for a summary.
	Metrics     bool
	ServiceName string
	Version     string
}

func (c telemetryConfig) enabled() bool {
	return c.OTLPEndpoint != "" || c.Metrics
}

// telemetry owns the SDK providers of one command invocation.
type telemetry struct {
	tracing  *petalotel.TracingHandler
	metrics  *petalotel.MetricsHandler
	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

func setupTelemetry(ctx context.Context, cfg telemetryConfig) (*telemetry, error) {
	t := &telemetry{}
	if !cfg.enabled() {
		return t, nil
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	var tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlpOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		t.shutdown = append(t.shutdown, tp.Shutdown)
		tracer = tp.Tracer(instrumentationName)
	}
	t.tracing = petalotel.NewTracingHandler(tracer)

	var meter metric.Meter = noop.NewMeterProvider().Meter(instrumentationName)
	if cfg.Metrics {
		t.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(t.reader),
			sdkmetric.WithResource(res),
		)
		t.shutdown = append(t.shutdown, mp.Shutdown)
		meter = mp.Meter(instrumentationName)
	}
	mh, err := petalotel.NewMetricsHandler(meter)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("creating metrics handler: %w", err)
	}
	t.metrics = mh
	return t, nil
}

func otlpOptions(cfg telemetryConfig) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if strings.Contains(cfg.OTLPEndpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// decorator returns the engine emitter decorator feeding spans, or nil
// when tracing is off.
func (t *telemetry) decorator() runtime.EventEmitterDecorator {
	if t == nil || t.tracing == nil {
		return nil
	}
	return petalotel.Decorator(t.tracing)
}

// handler returns the metrics event handler, or nil when telemetry is off.
func (t *telemetry) handler() runtime.EventHandler {
	if t == nil || t.metrics == nil {
		return nil
	}
	return t.metrics.Handle
}

// Shutdown flushes and stops every provider.
func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// writeMetrics prints a one-line total per collected instrument: the sum
// for counters and the observation count for histograms.
func (t *telemetry) writeMetrics(ctx context.Context, w io.Writer) error {
	if t == nil || t.reader == nil {
		return nil
	}
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collecting metrics: %w", err)
	}

	totals := make(map[string]string)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var sum int64
				for _, dp := range data.DataPoints {
					sum += dp.Value
				}
				totals[m.Name] = fmt.Sprintf("%d", sum)
			case metricdata.Histogram[float64]:
				var count uint64
				var sum float64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				totals[m.Name] = fmt.Sprintf("count=%d sum=%g", count, sum)
			case metricdata.Histogram[int64]:
				var count uint64
				var sum int64
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				totals[m.Name] = fmt.Sprintf("count=%d sum=%d", count, sum)
			}
		}
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "=== Metrics ===")
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, totals[name])
	}
	return nil
}
