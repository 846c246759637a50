package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for valet spans.
var (
	AttrConversationID = attribute.Key("valet.conversation.id")
	AttrTurnID         = attribute.Key("valet.turn.id")
	AttrJobID          = attribute.Key("valet.job.id")
	AttrJobKind        = attribute.Key("valet.job.kind")
	AttrToolName       = attribute.Key("valet.tool.name")
	AttrModel          = attribute.Key("valet.engine.model")
	AttrAttempt        = attribute.Key("valet.engine.attempt")
	AttrSessionID      = attribute.Key("valet.engine.session.id")
)

// TracerOrNoop returns t, or a noop tracer when t is nil. Components take a
// tracer at construction and stay usable without one.
func TracerOrNoop(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound chat update.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (engine process, Telegram API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
