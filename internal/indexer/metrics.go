package indexer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/soundchain/notifier/pkg/telemetry"
)

type indexerMetrics struct {
	batches metric.Int64Counter
	events  metric.Int64Counter
	created metric.Int64Counter
	cursor  metric.Int64Gauge
}

func newIndexerMetrics(logger *zap.Logger) *indexerMetrics {
	meter := telemetry.Meter()
	m := &indexerMetrics{}
	var err error

	if m.batches, err = meter.Int64Counter("notifier_batches_total",
		metric.WithDescription("Indexing batches by outcome")); err != nil {
		logger.Warn("Failed to create metric", zap.String("metric", "notifier_batches_total"), zap.Error(err))
	}
	if m.events, err = meter.Int64Counter("notifier_events_processed_total",
		metric.WithDescription("Upstream events committed")); err != nil {
		logger.Warn("Failed to create metric", zap.String("metric", "notifier_events_processed_total"), zap.Error(err))
	}
	if m.created, err = meter.Int64Counter("notifier_notifications_created_total",
		metric.WithDescription("Notification buckets opened")); err != nil {
		logger.Warn("Failed to create metric", zap.String("metric", "notifier_notifications_created_total"), zap.Error(err))
	}
	if m.cursor, err = meter.Int64Gauge("notifier_cursor",
		metric.WithDescription("Highest committed block number")); err != nil {
		logger.Warn("Failed to create metric", zap.String("metric", "notifier_cursor"), zap.Error(err))
	}
	return m
}

func (m *indexerMetrics) batchDone(ctx context.Context, result BatchResult, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if m.batches != nil {
		m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if err != nil {
		return
	}
	if m.events != nil {
		m.events.Add(ctx, int64(result.Events))
	}
	if m.created != nil {
		m.created.Add(ctx, int64(len(result.Created)))
	}
	if m.cursor != nil {
		m.cursor.Record(ctx, result.NextCursor)
	}
}
