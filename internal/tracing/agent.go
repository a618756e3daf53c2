package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const agentTracerName = "thinking-space-acp"

func agentTracer() trace.Tracer {
	return Tracer(agentTracerName)
}

// TraceACPCall starts a span for an outgoing ACP request (initialize,
// session/new, session/prompt). Caller must call span.End().
func TraceACPCall(ctx context.Context, method, sessionID string) (context.Context, trace.Span) {
	ctx, span := agentTracer().Start(ctx, "acp."+method,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("acp.method", method),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TraceCallback starts a span for a request the adapter made to us.
// Caller must call span.End() once the reply is sent.
func TraceCallback(ctx context.Context, method, sessionID string) (context.Context, trace.Span) {
	ctx, span := agentTracer().Start(ctx, "acp.callback."+method,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("acp.method", method),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TraceEvent creates a single span for an observer event emission.
func TraceEvent(ctx context.Context, eventName, requestID string) {
	_, span := agentTracer().Start(ctx, "agent.event."+eventName,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_name", eventName),
		attribute.String("request_id", requestID),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
