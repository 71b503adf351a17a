package infra

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/tnqbao/gau-workflow-monitor/config"
)

const instrumentationName = "github.com/tnqbao/gau-workflow-monitor"

// Telemetry bundles the tracer and the counters the monitor records.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	Ticks              metric.Int64Counter
	TickFailures       metric.Int64Counter
	Notifications      metric.Int64Counter
	SubscriberFailures metric.Int64Counter
	MetadataFetches    metric.Int64Counter

	shutdown []func(context.Context) error
}

func InitTelemetry(cfg *config.EnvConfig) *Telemetry {
	if cfg.Grafana.OTLPEndpoint == "" {
		return NewNoopTelemetry()
	}

	ctx := context.Background()
	res := newResource(cfg)

	traceExporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Grafana.OTLPEndpoint),
	))
	if err != nil {
		log.Printf("Warning: failed to create OTLP trace exporter: %v (tracing disabled)", err)
		return NewNoopTelemetry()
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Grafana.OTLPEndpoint))
	if err != nil {
		log.Printf("Warning: failed to create OTLP metric exporter: %v (metrics disabled)", err)
		_ = tracerProvider.Shutdown(ctx)
		return NewNoopTelemetry()
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		log.Printf("Warning: failed to start runtime metrics: %v", err)
	}

	t := newTelemetry(tracerProvider.Tracer(instrumentationName), meterProvider.Meter(instrumentationName))
	t.shutdown = []func(context.Context) error{tracerProvider.Shutdown, meterProvider.Shutdown}
	return t
}

func NewNoopTelemetry() *Telemetry {
	return newTelemetry(
		tracenoop.NewTracerProvider().Tracer(instrumentationName),
		metricnoop.NewMeterProvider().Meter(instrumentationName),
	)
}

func newTelemetry(tracer trace.Tracer, meter metric.Meter) *Telemetry {
	t := &Telemetry{Tracer: tracer, Meter: meter}
	t.Ticks = mustCounter(meter, "monitor.ticks", "Reconciliation ticks started")
	t.TickFailures = mustCounter(meter, "monitor.tick_failures", "Reconciliation ticks abandoned")
	t.Notifications = mustCounter(meter, "monitor.notifications", "Job events dispatched to subscribers")
	t.SubscriberFailures = mustCounter(meter, "monitor.subscriber_failures", "Subscriber invocations that failed")
	t.MetadataFetches = mustCounter(meter, "cromwell.metadata_fetches", "Metadata documents fetched from the server")
	return t
}

func mustCounter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		counter, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
	}
	return counter
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newResource(cfg *config.EnvConfig) *resource.Resource {
	return resource.NewSchemaless(
		attribute.String("service.name", cfg.Grafana.ServiceName),
		attribute.String("deployment.environment", cfg.Environment.Mode),
		attribute.String("service.namespace", cfg.Environment.Group),
	)
}
