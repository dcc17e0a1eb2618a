// Package telemetry provides OpenTelemetry observability for klauss.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultServiceName    = "klauss"
	DefaultServiceVersion = "dev"
	DefaultOTLPEndpoint   = "localhost:4317"

	EnvOTLPEndpoint = "KLAUSS_OTEL_ENDPOINT"
	EnvOTelEnabled  = "KLAUSS_OTEL_ENABLED"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
	SampleRate     float64
}

// DefaultConfig returns a config with sensible defaults, sourced from
// KLAUSS_OTEL_* environment variables.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName:    DefaultServiceName,
		ServiceVersion: DefaultServiceVersion,
		Environment:    getEnvironment(),
		OTLPEndpoint:   getOTLPEndpoint(),
		Enabled:        isEnabled(),
		SampleRate:     1.0,
	}

	if cfg.Environment == "production" {
		cfg.SampleRate = 0.1
	}

	return cfg
}

func getEnvironment() string {
	if env := os.Getenv("KLAUSS_ENV"); env != "" {
		return env
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func getOTLPEndpoint() string {
	if endpoint := os.Getenv(EnvOTLPEndpoint); endpoint != "" {
		return endpoint
	}
	return DefaultOTLPEndpoint
}

func isEnabled() bool {
	if enabled := os.Getenv(EnvOTelEnabled); enabled != "" {
		return enabled == "true" || enabled == "1"
	}
	return false
}

// Init initializes OpenTelemetry tracing and metrics, returning a shutdown
// function to call on process exit. When cfg.Enabled is false, Init
// returns a no-op shutdown so the caller never has to branch on whether
// telemetry is active.
func Init(ctx context.Context, cfg *Config) (shutdown func(context.Context) error, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithOSType(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := initMetrics(); err != nil {
		return nil, fmt.Errorf("initializing metric instruments: %w", err)
	}

	return func(ctx context.Context) error {
		var errs []error
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracer provider: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down meter provider: %w", err))
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
		return nil
	}, nil
}

// MustInit initializes telemetry or panics on error, for use in a
// process's main function.
func MustInit(ctx context.Context, cfg *Config) func(context.Context) error {
	shutdown, err := Init(ctx, cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize telemetry: %v", err))
	}
	return shutdown
}

// tracer is the global tracer for klauss's spans. When telemetry is
// disabled this resolves to otel's no-op tracer, so callers never branch
// on Init's Enabled flag.
var tracer = otel.Tracer(DefaultServiceName)

// StartTaskSpan starts a span covering one worker's claim-to-terminal
// handling of a task, tagged with the ids a trace backend needs to
// correlate it with the worker's logs and the job it belongs to.
func StartTaskSpan(ctx context.Context, workerID string, taskID int64, jobID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "klauss.task.process", trace.WithAttributes(
		attribute.String(KeyWorkerID, workerID),
		attribute.String(KeyTaskID, taskIDString(taskID)),
		attribute.String(KeyJobID, jobID),
	))
}

// EndTaskSpan closes a span started by StartTaskSpan, recording the
// outcome: on failure the span status becomes Error with reason as its
// description, so a trace view surfaces why a task failed without
// needing to cross-reference the store's error column.
func EndTaskSpan(span trace.Span, success bool, reason string) {
	if !success {
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}

// StartClaimSpan starts a span covering one Claim attempt, so claim
// latency and no-ready-task polling show up in traces alongside the
// task spans they precede.
func StartClaimSpan(ctx context.Context, workerID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "klauss.task.claim", trace.WithAttributes(
		attribute.String(KeyWorkerID, workerID),
	))
}

func taskIDString(id int64) string {
	return fmt.Sprintf("%d", id)
}
