package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys for relay spans.
var (
	AttrUserID    = attribute.Key("gorelay.user.id")
	AttrTopicID   = attribute.Key("gorelay.topic.id")
	AttrEventKind = attribute.Key("gorelay.event.kind")
	AttrModel     = attribute.Key("gorelay.llm.model")
	AttrErrClass  = attribute.Key("gorelay.llm.error_class")
	AttrOperation = attribute.Key("gorelay.transport.operation")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Telegram).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NopTracer returns a tracer that records nothing.
func NopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
