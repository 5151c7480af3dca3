package internalcommands

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type MetricsCollector interface {
	RecordCommandExecuted(ctx context.Context, commandType string, success bool, duration time.Duration)
}

type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordCommandExecuted(context.Context, string, bool, time.Duration) {}

type OtelMetrics struct {
	module   string
	executed metric.Int64Counter
	duration metric.Float64Histogram
}

func NewOtelMetrics(provider metric.MeterProvider, module string) (*OtelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("modulith.internalcommands")

	m := &OtelMetrics{module: module}
	var err error
	if m.executed, err = meter.Int64Counter(
		"internal_commands.executed",
		metric.WithDescription("Internal command executions"),
		metric.WithUnit("{command}"),
	); err != nil {
		return nil, fmt.Errorf("create internal_commands.executed counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram(
		"internal_commands.duration",
		metric.WithDescription("Time taken to execute one internal command"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create internal_commands.duration histogram: %w", err)
	}
	return m, nil
}

func (m *OtelMetrics) RecordCommandExecuted(ctx context.Context, commandType string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("module", m.module),
		attribute.String("command_type", commandType),
		attribute.Bool("success", success),
	)
	m.executed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, duration.Seconds(), attrs)
}
