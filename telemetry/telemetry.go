// Package telemetry installs the global OpenTelemetry providers for a relay
// process and carries trace context across broker messages.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"github.com/LerianStudio/lib-outbox/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-outbox/log"
)

var ErrEndpointRequired = errors.New("telemetry collector endpoint is required when telemetry is enabled")

type Config struct {
	ServiceName       string
	ServiceVersion    string
	Environment       string
	CollectorEndpoint string
	Enabled           bool
}

// Telemetry owns the providers it installed.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
}

func (cfg Config) resource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		semconv.TelemetrySDKLanguageGo,
	)
}

// Init builds OTLP/gRPC exporters for traces, metrics and logs and installs
// them globally along with the W3C propagators. When cfg.Enabled is false the
// providers are built without exporters, so instrumentation stays cheap and
// nothing leaves the process.
func Init(ctx context.Context, cfg Config, logger libLog.Logger) (*Telemetry, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(logger) {
		logger = libLog.NewNop()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.Enabled {
		logger.Log(ctx, libLog.LevelWarn, "telemetry export disabled")

		return &Telemetry{
			TracerProvider: sdktrace.NewTracerProvider(),
			MeterProvider:  sdkmetric.NewMeterProvider(),
			LoggerProvider: sdklog.NewLoggerProvider(),
		}, nil
	}

	if strings.TrimSpace(cfg.CollectorEndpoint) == "" {
		return nil, ErrEndpointRequired
	}

	res := cfg.resource()

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("init trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.CollectorEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		_ = traceExporter.Shutdown(ctx)

		return nil, fmt.Errorf("init metric exporter: %w", err)
	}

	logExporter, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpoint(cfg.CollectorEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = metricExporter.Shutdown(ctx)

		return nil, fmt.Errorf("init log exporter: %w", err)
	}

	telemetry := &Telemetry{
		TracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		),
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		),
		LoggerProvider: sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		),
	}

	otel.SetTracerProvider(telemetry.TracerProvider)
	otel.SetMeterProvider(telemetry.MeterProvider)
	global.SetLoggerProvider(telemetry.LoggerProvider)

	logger.Log(ctx, libLog.LevelInfo, "telemetry initialized", libLog.String("endpoint", cfg.CollectorEndpoint))

	return telemetry, nil
}

// Shutdown flushes and stops every provider. Providers own their exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.MeterProvider != nil {
		if err := t.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}

	if t.TracerProvider != nil {
		if err := t.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}

	if t.LoggerProvider != nil {
		if err := t.LoggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown logger provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
