package poller

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spotpoller/internal/telemetry"
)

type passMetrics struct {
	passDuration   metric.Float64Histogram
	decisions      metric.Int64Counter
	cancelled      metric.Int64Counter
	regionFailures metric.Int64Counter
}

func newPassMetrics(meter metric.Meter) (*passMetrics, error) {
	passDuration, err := meter.Float64Histogram(telemetry.MetricPassDuration,
		metric.WithDescription("Duration of a reconciliation pass across all regions"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricPassDuration, err)
	}
	decisions, err := meter.Int64Counter(telemetry.MetricDecisions,
		metric.WithDescription("Classifier decisions by region and decision"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricDecisions, err)
	}
	cancelled, err := meter.Int64Counter(telemetry.MetricCancelled,
		metric.WithDescription("Spot requests cancelled and forgotten"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricCancelled, err)
	}
	regionFailures, err := meter.Int64Counter(telemetry.MetricRegionFailures,
		metric.WithDescription("Regions whose reconciliation failed"),
		metric.WithUnit("{region}"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricRegionFailures, err)
	}
	return &passMetrics{
		passDuration:   passDuration,
		decisions:      decisions,
		cancelled:      cancelled,
		regionFailures: regionFailures,
	}, nil
}

func (m *passMetrics) decision(ctx context.Context, region string, d Decision) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		telemetry.DecisionAttributes(telemetry.Environment(), region, d.String())...))
}

func (m *passMetrics) cancel(ctx context.Context, region string, n int) {
	if n == 0 {
		return
	}
	m.cancelled.Add(ctx, int64(n), metric.WithAttributes(
		telemetry.RegionAttributes(telemetry.Environment(), region)...))
}

func (m *passMetrics) regionFailure(ctx context.Context, region, errorType string) {
	m.regionFailures.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), region, errorType)...))
}

func (m *passMetrics) pass(ctx context.Context, elapsed time.Duration, failed bool) {
	result := telemetry.ResultSuccess
	if failed {
		result = telemetry.ResultError
	}
	m.passDuration.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(result),
	))
}
