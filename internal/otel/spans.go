package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for daemon spans.
var (
	AttrGatewayPID   = attribute.Key("talon.gateway.pid")
	AttrRetryAttempt = attribute.Key("talon.retry.attempt")
	AttrErrorKind    = attribute.Key("talon.error.kind")
	AttrStealSource  = attribute.Key("talon.steal.source")
	AttrStealTarget  = attribute.Key("talon.steal.target")
	AttrStealCount   = attribute.Key("talon.steal.count")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound API request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
