package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/modulith/go/internal/messaging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector defines the interface for collecting outbox metrics
type MetricsCollector interface {
	RecordEventProcessed(ctx context.Context, eventType string, success bool, duration time.Duration)
	RecordBatchProcessed(ctx context.Context, count int, duration time.Duration)
	RecordOutboxLag(ctx context.Context, lag int)
	RecordPublishAttempt(ctx context.Context, eventType string, attempt int, success bool)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventProcessed(context.Context, string, bool, time.Duration) {}
func (NoOpMetricsCollector) RecordBatchProcessed(context.Context, int, time.Duration)          {}
func (NoOpMetricsCollector) RecordOutboxLag(context.Context, int)                              {}
func (NoOpMetricsCollector) RecordPublishAttempt(context.Context, string, int, bool)           {}

// OtelMetrics implements MetricsCollector on an OpenTelemetry meter.
type OtelMetrics struct {
	module          string
	eventsProcessed metric.Int64Counter
	eventDuration   metric.Float64Histogram
	batchSize       metric.Int64Histogram
	batchDuration   metric.Float64Histogram
	lag             metric.Int64Gauge
	publishAttempts metric.Int64Counter
}

// NewOtelMetrics uses the global meter provider when provider is nil.
func NewOtelMetrics(provider metric.MeterProvider, module string) (*OtelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("modulith.outbox")

	m := &OtelMetrics{module: module}
	var err error

	if m.eventsProcessed, err = meter.Int64Counter(
		"outbox.events.processed",
		metric.WithDescription("Outbox messages handed to the transport"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create outbox.events.processed counter: %w", err)
	}

	if m.eventDuration, err = meter.Float64Histogram(
		"outbox.event.duration",
		metric.WithDescription("Time taken to publish one message"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create outbox.event.duration histogram: %w", err)
	}

	if m.batchSize, err = meter.Int64Histogram(
		"outbox.batch.size",
		metric.WithDescription("Messages published per dispatch cycle"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create outbox.batch.size histogram: %w", err)
	}

	if m.batchDuration, err = meter.Float64Histogram(
		"outbox.batch.duration",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create outbox.batch.duration histogram: %w", err)
	}

	if m.lag, err = meter.Int64Gauge(
		"outbox.pending",
		metric.WithDescription("Unprocessed outbox messages"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("create outbox.pending gauge: %w", err)
	}

	if m.publishAttempts, err = meter.Int64Counter(
		"outbox.publish.attempts",
		metric.WithDescription("Publish attempts including retries"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, fmt.Errorf("create outbox.publish.attempts counter: %w", err)
	}

	return m, nil
}

func (m *OtelMetrics) RecordEventProcessed(ctx context.Context, eventType string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("module", m.module),
		attribute.String("event_type", eventType),
		attribute.Bool("success", success),
	)
	m.eventsProcessed.Add(ctx, 1, attrs)
	m.eventDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *OtelMetrics) RecordBatchProcessed(ctx context.Context, count int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("module", m.module))
	m.batchSize.Record(ctx, int64(count), attrs)
	m.batchDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *OtelMetrics) RecordOutboxLag(ctx context.Context, lag int) {
	m.lag.Record(ctx, int64(lag), metric.WithAttributes(attribute.String("module", m.module)))
}

func (m *OtelMetrics) RecordPublishAttempt(ctx context.Context, eventType string, attempt int, success bool) {
	m.publishAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", m.module),
		attribute.String("event_type", eventType),
		attribute.Int("attempt", attempt),
		attribute.Bool("success", success),
	))
}

// MetricPublisher wraps a Publisher with metrics collection
type MetricPublisher struct {
	publisher Publisher
	metrics   MetricsCollector
}

func NewMetricPublisher(publisher Publisher, metrics MetricsCollector) *MetricPublisher {
	return &MetricPublisher{
		publisher: publisher,
		metrics:   metrics,
	}
}

func (p *MetricPublisher) Publish(ctx context.Context, env messaging.Envelope) error {
	start := time.Now()
	err := p.publisher.Publish(ctx, env)
	p.metrics.RecordEventProcessed(ctx, env.Type, err == nil, time.Since(start))
	return err
}
