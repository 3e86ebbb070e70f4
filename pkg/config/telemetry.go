package config

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/midnightgrind/tougelog-service-manager-go/version"
)

type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
}

// SetupTelemetry configures the global otel meter and tracer providers
// with OTLP exporters targeting TelemetryEndpoint. The special endpoint
// value "stdout" prints the data instead of exporting it, which is handy
// during development.
func SetupTelemetry(ctx context.Context) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("tougelog-service-manager"),
			semconv.ServiceVersion(version.Version),
		))
	if err != nil {
		return nil, err
	}
	var metricExporter sdkmetric.Exporter
	var traceExporter sdktrace.SpanExporter
	if TelemetryEndpoint == "stdout" {
		if metricExporter, err = stdoutmetric.New(); err != nil {
			return nil, err
		}
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
	} else {
		if metricExporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(TelemetryEndpoint),
			otlpmetricgrpc.WithInsecure()); err != nil {
			return nil, err
		}
		traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(TelemetryEndpoint),
			otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tp)
	return &Telemetry{meterProvider: mp, tracerProvider: tp}, nil
}

func (t *Telemetry) Shutdown() {
	ctx := context.Background()
	if t.tracerProvider != nil {
		//nolint:errcheck // shutdown on exit
		t.tracerProvider.Shutdown(ctx)
	}
	if t.meterProvider != nil {
		//nolint:errcheck // shutdown on exit
		t.meterProvider.Shutdown(ctx)
	}
}
