package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/crmstore/internal/embeddings"

// Metrics records embedding generation through the global OpenTelemetry
// meter provider.
type Metrics struct {
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates the embedding instruments. Instrument creation
// failures are logged and the instrument is skipped.
func NewMetrics(logger *zap.Logger) *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{logger: logger}

	var err error
	m.duration, err = meter.Float64Histogram(
		"crmstore.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding generation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"crmstore.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding call"),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"crmstore.embedding.errors_total",
		metric.WithDescription("Failed embedding calls"),
	)
	if err != nil {
		logger.Warn("failed to create error counter", zap.Error(err))
	}
	return m
}

// RecordGeneration records one embedding call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, op string, d time.Duration, batch int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", op),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
