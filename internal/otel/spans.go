package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on gofleet spans and metrics.
var (
	AttrAgentID       = attribute.Key("gofleet.agent.id")
	AttrDescriptor    = attribute.Key("gofleet.task.descriptor")
	AttrPool          = attribute.Key("gofleet.pool")
	AttrTier          = attribute.Key("gofleet.gateway.tier")
	AttrEndpoint      = attribute.Key("gofleet.gateway.endpoint")
	AttrMethod        = attribute.Key("gofleet.gateway.method")
	AttrCorrelationID = attribute.Key("gofleet.gateway.correlation_id")
	AttrStatus        = attribute.Key("gofleet.gateway.status")
	AttrRetryReason   = attribute.Key("reason")
	AttrTransition    = attribute.Key("transition")
)

const (
	SpanTask    = "scheduler.task"
	SpanRequest = "gateway.request"
)

// StartTaskSpan starts the span covering one run of an agent's task.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, agentID, descriptor, pool string) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanTask,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrAgentID.String(agentID),
			AttrDescriptor.String(descriptor),
			AttrPool.String(pool),
		),
	)
}

// StartRequestSpan starts the client span for one envelope sent to the
// remote API. A negative tier is left off the span.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, tier int, method, endpoint, correlationID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrMethod.String(method),
		AttrEndpoint.String(endpoint),
		AttrCorrelationID.String(correlationID),
	}
	if tier >= 0 {
		attrs = append(attrs, AttrTier.Int(tier))
	}
	return tracer.Start(ctx, SpanRequest,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}
