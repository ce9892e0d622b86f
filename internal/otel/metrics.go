package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the gofleet metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	Retries         metric.Int64Counter
	QueueDepth      metric.Int64UpDownCounter
	Transitions     metric.Int64Counter
	ActiveTasks     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("gofleet.gateway.request.duration",
		metric.WithDescription("Remote API call duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("gofleet.gateway.retries",
		metric.WithDescription("Transparent retries of remote API calls"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("gofleet.gateway.queue.depth",
		metric.WithDescription("Envelopes waiting in a priority tier"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("gofleet.scheduler.transitions",
		metric.WithDescription("Task state transitions applied by the scheduler"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("gofleet.scheduler.active",
		metric.WithDescription("Task goroutines currently tracked"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Components fall back
// to it when no provider is configured.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

// RecordRetry counts one transparent retry.
func (m *Metrics) RecordRetry(ctx context.Context, reason string) {
	m.Retries.Add(ctx, 1, metric.WithAttributes(AttrRetryReason.String(reason)))
}

// RecordTransition counts one scheduler transition.
func (m *Metrics) RecordTransition(ctx context.Context, transition string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(AttrTransition.String(transition)))
}

// AddQueueDepth adjusts the depth gauge for a tier.
func (m *Metrics) AddQueueDepth(ctx context.Context, tier int, delta int64) {
	m.QueueDepth.Add(ctx, delta, metric.WithAttributes(AttrTier.Int(tier)))
}
