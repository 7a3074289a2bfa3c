package ec2

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spotpoller/internal/telemetry"
)

type callMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func newCallMetrics(meter metric.Meter) (*callMetrics, error) {
	calls, err := meter.Int64Counter(telemetry.MetricProviderCalls,
		metric.WithDescription("EC2 calls by region, operation and result"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricProviderCalls, err)
	}
	duration, err := meter.Float64Histogram(telemetry.MetricProviderDuration,
		metric.WithDescription("EC2 call latency including retries"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", telemetry.MetricProviderDuration, err)
	}
	return &callMetrics{calls: calls, duration: duration}, nil
}

func (m *callMetrics) record(ctx context.Context, region, op string, elapsed time.Duration, err error) {
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), region, op, result)...)
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}
