package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for axonstream spans.
var (
	AttrTenantID    = attribute.Key("axonstream.tenant.id")
	AttrTaskID      = attribute.Key("axonstream.task.id")
	AttrAdapterName = attribute.Key("axonstream.adapter.name")
	AttrWorkerID    = attribute.Key("axonstream.worker.id")
	AttrRunID       = attribute.Key("axonstream.run.id")
	AttrTaskState   = attribute.Key("axonstream.task.state")
	AttrPlan        = attribute.Key("axonstream.plan")
	AttrRoute       = attribute.Key("axonstream.route")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (adapter execution, container runtime).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
