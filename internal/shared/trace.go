package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}
type poolKey struct{}
type incarnationKey struct{}
type tierKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches the symbol of the ship a task drives.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts agent_id from context. Returns "" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPool attaches the scheduler pool name.
func WithPool(ctx context.Context, pool string) context.Context {
	return context.WithValue(ctx, poolKey{}, pool)
}

// Pool extracts the pool name. Returns "" if absent.
func Pool(ctx context.Context) string {
	if v, ok := ctx.Value(poolKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIncarnation attaches the id of the scheduler instance running a task.
func WithIncarnation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, incarnationKey{}, id)
}

// Incarnation extracts the scheduler incarnation. Returns "" if absent.
func Incarnation(ctx context.Context) string {
	if v, ok := ctx.Value(incarnationKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTier attaches the gateway tier an envelope was queued on.
func WithTier(ctx context.Context, tier int) context.Context {
	return context.WithValue(ctx, tierKey{}, tier)
}

// Tier extracts the gateway tier. Returns -1 if absent.
func Tier(ctx context.Context) int {
	if v, ok := ctx.Value(tierKey{}).(int); ok {
		return v
	}
	return -1
}

// NewIncarnation generates an id for a scheduler process instance.
func NewIncarnation() string {
	return uuid.NewString()
}
