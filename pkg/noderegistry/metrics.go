package noderegistry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records registry activity.
// Use NewMetrics() for OTel metrics or NoopMetrics{} when disabled.
type Metrics interface {
	RecordHit(ctx context.Context, name NodeName)
	RecordCreation(ctx context.Context, name NodeName, duration time.Duration, err error)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) RecordHit(context.Context, NodeName)                               {}
func (NoopMetrics) RecordCreation(context.Context, NodeName, time.Duration, error) {}

type otelMetrics struct {
	hits            metric.Int64Counter
	creations       metric.Int64Counter
	creationErrors  metric.Int64Counter
	creationLatency metric.Float64Histogram
}

// NewMetrics builds a Metrics backed by the global OTel meter provider.
// Configure the provider with otel.SetMeterProvider before calling it.
func NewMetrics() (Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("linen/noderegistry"))
}

// NewMetricsWithMeter builds a Metrics on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (Metrics, error) {
	hits, err := meter.Int64Counter("linen.registry.hits",
		metric.WithDescription("Number of GetOrCreate calls served from the registry"),
	)
	if err != nil {
		return nil, err
	}

	creations, err := meter.Int64Counter("linen.registry.creations",
		metric.WithDescription("Number of connection creation attempts"),
	)
	if err != nil {
		return nil, err
	}

	creationErrors, err := meter.Int64Counter("linen.registry.creation_errors",
		metric.WithDescription("Number of failed connection creation attempts"),
	)
	if err != nil {
		return nil, err
	}

	creationLatency, err := meter.Float64Histogram("linen.registry.creation_latency_ms",
		metric.WithDescription("Connection creation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		hits:            hits,
		creations:       creations,
		creationErrors:  creationErrors,
		creationLatency: creationLatency,
	}, nil
}

func (m *otelMetrics) RecordHit(ctx context.Context, name NodeName) {
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("node", name)))
}

func (m *otelMetrics) RecordCreation(ctx context.Context, name NodeName, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("node", name))
	m.creations.Add(ctx, 1, attrs)
	m.creationLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.creationErrors.Add(ctx, 1, attrs)
	}
}
