package acpclient

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/kandev/larkacp/internal/acpclient")

// traceCall wraps a single ACP JSON-RPC call in a span, mirroring the
// reference backend's shared.TraceProtocolRequest helper but scoped to
// this package since the backend's tracing middleware is not exported.
func traceCall(ctx context.Context, sessionID, method string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "acp."+method)
	span.SetAttributes(
		attribute.String("acp.session_id", sessionID),
		attribute.String("acp.method", method),
	)
	return ctx, span
}
