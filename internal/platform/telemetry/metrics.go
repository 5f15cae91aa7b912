package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records handshake and partner call measurements. A nil *Metrics
// discards everything.
type Metrics struct {
	handshakes     metric.Int64Counter
	partnerLatency metric.Float64Histogram
	plansCreated   metric.Int64Counter
}

// NewMetrics builds the instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsFromMeter(otel.Meter(InstrumentationName))
}

func NewMetricsFromMeter(meter metric.Meter) (*Metrics, error) {
	handshakes, err := meter.Int64Counter(
		"connection_handshake_total",
		metric.WithDescription("External connection operations by step and outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	partnerLatency, err := meter.Float64Histogram(
		"partner_request_duration_milliseconds",
		metric.WithDescription("Latency of calls to partner registries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	plansCreated, err := meter.Int64Counter(
		"treatment_plans_created_total",
		metric.WithDescription("Treatment plans created"),
		metric.WithUnit("{plan}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{handshakes: handshakes, partnerLatency: partnerLatency, plansCreated: plansCreated}, nil
}

// RecordHandshake counts one connection step ("complete", "sync", ...) with
// its outcome ("ok" or an error class).
func (m *Metrics) RecordHandshake(ctx context.Context, provider, step, outcome string) {
	if m == nil {
		return
	}
	m.handshakes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordPartnerCall(ctx context.Context, operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.partnerLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("http_status_code", status),
	))
}

func (m *Metrics) RecordPlanCreated(ctx context.Context, cycles int) {
	if m == nil {
		return
	}
	m.plansCreated.Add(ctx, 1, metric.WithAttributes(attribute.Int("cycles", cycles)))
}
