package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	AddLink(spanContext trace.SpanContext)
	Export() string
	End()
}

type TracerKey struct{} // context key of the Tracer of the running session

// FromContext returns the tracer stored under TracerKey, or a DummyTracer.
func FromContext(ctx context.Context) Tracer {
	if tracer, ok := ctx.Value(TracerKey{}).(Tracer); ok && tracer != nil {
		return tracer
	}
	return &DummyTracer{}
}

// TracerFactory hands out DummyTracers when telemetry is off. A nil factory
// behaves the same.
type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

func (t *TracerFactory) otelTracer() trace.Tracer {
	if t == nil || t.telemetry == nil {
		return nil
	}
	return t.telemetry.GetTracer()
}

func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	tracer := t.otelTracer()
	if tracer == nil {
		return &DummyTracer{}
	}
	return NewTelemetryTracer(ctx, tracer, spanName)
}

// NewTracerSpawnedFrom starts spanName as a child of an exported span. An
// empty or unreadable export starts a new trace instead.
func (t *TracerFactory) NewTracerSpawnedFrom(ctx context.Context, exported string, spanName string) Tracer {
	tracer := t.otelTracer()
	if tracer == nil {
		return &DummyTracer{}
	}
	if exported == "" {
		return NewTelemetryTracer(ctx, tracer, spanName)
	}
	origin, err := NewTelemetryTracerFrom(ctx, tracer, exported)
	if err != nil {
		return NewTelemetryTracer(ctx, tracer, spanName)
	}
	return origin.Spawn(spanName)
}

// NewTracerSpawnedWithLink is NewTracerSpawnedFrom plus links to other
// exported spans, such as the run a resumed session continues.
func (t *TracerFactory) NewTracerSpawnedWithLink(ctx context.Context, parent string, links []string, spanName string) Tracer {
	spawned := t.NewTracerSpawnedFrom(ctx, parent, spanName)
	for _, link := range links {
		spanContext, err := spanContextFromRaw(link)
		if err != nil || !spanContext.IsValid() {
			continue
		}
		spawned.AddLink(spanContext)
	}
	return spawned
}

// DummyTracer does nothing.
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) AddLink(spanContext trace.SpanContext)            {}
func (t *DummyTracer) Export() string                                   { return "" }
func (t *DummyTracer) End()                                             {}
