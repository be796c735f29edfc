// Package telemetry wires OpenTelemetry tracing for agency. When disabled
// every component still gets a working, no-op tracer.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures telemetry.
type Config struct {
	Enabled     bool
	ServiceName string
	Endpoint    string // OTLP gRPC endpoint, e.g. "otel-collector:4317"
	Environment string
	SampleRatio float64 // 0 means always sample
}

// Instruments are the OpenTelemetry metrics recorded alongside the
// Prometheus ones.
type Instruments struct {
	BeamRequests    metric.Int64Counter
	DispatchLatency metric.Float64Histogram
	TasksCompleted  metric.Int64Counter
}

// Telemetry holds the tracer and meter handed to components.
type Telemetry struct {
	Tracer      trace.Tracer
	Meter       metric.Meter
	Instruments *Instruments

	provider *sdktrace.TracerProvider
}

// New initializes tracing. With cfg.Enabled false it returns no-op
// telemetry and never dials the collector.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agency"
	}
	if !cfg.Enabled {
		return Noop(cfg.ServiceName), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// otelhttp and the grpc client read the global provider
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t := &Telemetry{
		Tracer:   provider.Tracer(cfg.ServiceName),
		Meter:    otel.Meter(cfg.ServiceName),
		provider: provider,
	}
	if t.Instruments, err = newInstruments(t.Meter); err != nil {
		return nil, err
	}

	logger.Info("telemetry initialized", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return t, nil
}

// Noop returns telemetry backed by the global (no-op by default) providers.
func Noop(serviceName string) *Telemetry {
	t := &Telemetry{
		Tracer: otel.Tracer(serviceName),
		Meter:  otel.Meter(serviceName),
	}
	// instrument creation on the no-op meter cannot fail
	t.Instruments, _ = newInstruments(t.Meter)
	return t
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(shutdownCtx)
}

func newInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	in.BeamRequests, err = meter.Int64Counter(
		"agency.beam.requests",
		metric.WithDescription("Number of beam requests"),
	)
	if err != nil {
		return nil, err
	}

	in.DispatchLatency, err = meter.Float64Histogram(
		"agency.dispatch.latency",
		metric.WithDescription("Model call latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	in.TasksCompleted, err = meter.Int64Counter(
		"agency.tasks.completed",
		metric.WithDescription("Number of tasks completed"),
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// RecordBeamRequest counts one beam request.
func (in *Instruments) RecordBeamRequest(ctx context.Context, strategy string) {
	if in == nil {
		return
	}
	in.BeamRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordDispatch records one model call.
func (in *Instruments) RecordDispatch(ctx context.Context, model, outcome string, latency time.Duration) {
	if in == nil {
		return
	}
	in.DispatchLatency.Record(ctx, float64(latency.Milliseconds()),
		metric.WithAttributes(attribute.String("model", model), attribute.String("outcome", outcome)))
}

// RecordTaskCompleted counts one completed task.
func (in *Instruments) RecordTaskCompleted(ctx context.Context) {
	if in == nil {
		return
	}
	in.TasksCompleted.Add(ctx, 1)
}
