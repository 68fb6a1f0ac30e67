// Package observability wires OpenTelemetry tracing into the components.
//
// Components create a ComponentTracer once and wrap each externally visible
// operation in Trace. Until InitTracing installs an SDK provider the global
// no-op provider is used, so tracing costs nothing when disabled.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ajitpratap0/nebula-components"

// ComponentTracer provides component-specific tracing utilities
type ComponentTracer struct {
	componentType string
	componentName string
	provider      trace.TracerProvider
}

// NewComponentTracer creates a tracer that resolves the global provider at
// span start, so it picks up a provider installed after construction.
func NewComponentTracer(componentType, componentName string) *ComponentTracer {
	return &ComponentTracer{
		componentType: componentType,
		componentName: componentName,
	}
}

// WithProvider returns a copy bound to an explicit provider.
func (ct *ComponentTracer) WithProvider(tp trace.TracerProvider) *ComponentTracer {
	cp := *ct
	cp.provider = tp
	return &cp
}

func (ct *ComponentTracer) tracer() trace.Tracer {
	tp := ct.provider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// StartSpan starts a component-specific span named type.operation.
func (ct *ComponentTracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	name := fmt.Sprintf("%s.%s", ct.componentType, operation)
	base := []attribute.KeyValue{
		attribute.String("component.type", ct.componentType),
		attribute.String("component.name", ct.componentName),
		attribute.String("component.operation", operation),
	}
	return ct.tracer().Start(ctx, name, trace.WithAttributes(append(base, attrs...)...))
}

// Trace runs fn inside a span and records its error.
func (ct *ComponentTracer) Trace(ctx context.Context, operation string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := ct.StartSpan(ctx, operation, attrs...)
	defer span.End()

	err := fn(ctx)
	RecordError(span, err)
	return err
}

// RecordError marks span as failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// InjectHeaders writes the trace context of ctx into a string map, suitable
// for copying onto exchange headers or message attributes.
func InjectHeaders(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractHeaders restores a trace context written by InjectHeaders.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
