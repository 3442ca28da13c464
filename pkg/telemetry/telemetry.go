package telemetry

import (
	"context"
	"errors"
	"fmt"
	"labfuzz/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	GetLogger() log.Logger
}

type TelemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

type TelemetryParams struct {
	fx.In
	Lifecyle fx.Lifecycle
	Config   *config.AppConfig
}

// NewTelemetry sets up OTLP exporters. It returns a nil Telemetry when
// OTEL_ENABLED is off; every consumer treats that as "no telemetry".
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if !p.Config.OtelEnabled {
		return nil, nil
	}

	telemetryCtx, cancel := context.WithCancel(context.Background())
	res := newResource(p.Config)

	tracerExp, err := otlptracegrpc.New(telemetryCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(tracerExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(traceProvider)
	// resumed sessions and crash events carry their trace context as a carrier
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// the log exporter is optional; the session runs without it
	var logProvider *sdklog.LoggerProvider
	var logger log.Logger
	if logExp, err := otlploggrpc.New(telemetryCtx); err == nil {
		logProvider = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
			sdklog.WithResource(res),
		)
		logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecyle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			defer cancel()
			return shutdownProviders(ctx, traceProvider, logProvider)
		},
	})

	return &TelemetryImpl{traceProvider.Tracer(p.Config.ServiceName), logger}, nil
}

// newResource describes one fuzzing session: spans from every run of the
// same session id share service.instance.id, so a resumed run groups with
// the run it continues.
func newResource(cfg *config.AppConfig) *resource.Resource {
	requestName := cfg.RequestConfig.Name
	if cfg.RequestConfig.RequestFile != "" {
		requestName = cfg.RequestConfig.RequestFile
	}
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceInstanceIDKey.String(cfg.SessionID),
		attribute.String("labfuzz.session.id", cfg.SessionID),
		attribute.String("labfuzz.target.address", cfg.TargetConfig.Address()),
		attribute.String("labfuzz.request.name", requestName),
		attribute.Int("labfuzz.session.max_test_cases", cfg.SessionConfig.MaxTestCases),
	)
}

// shutdownProviders flushes the last session spans before closing the
// exporters. Spans of a session that ended on a crash are otherwise lost.
func shutdownProviders(ctx context.Context, traces *sdktrace.TracerProvider, logs *sdklog.LoggerProvider) error {
	var errs []error
	if err := traces.ForceFlush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	if err := traces.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown traces: %w", err))
	}
	if logs != nil {
		if err := logs.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush logs: %w", err))
		}
		if err := logs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown logs: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *TelemetryImpl) GetLogger() log.Logger {
	return t.logger
}
