package model

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	requestDuration metric.Float64Histogram
	tokens          metric.Int64Counter
	errors          metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/recallhq/recalld/internal/model")

	requestDuration, _ := meter.Float64Histogram(
		"recalld.model.request_duration_seconds",
		metric.WithDescription("Duration of language model requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	tokens, _ := meter.Int64Counter(
		"recalld.model.tokens_total",
		metric.WithDescription("Tokens consumed and produced by model requests"),
	)
	errors, _ := meter.Int64Counter(
		"recalld.model.errors_total",
		metric.WithDescription("Failed language model requests"),
	)

	return &metrics{
		requestDuration: requestDuration,
		tokens:          tokens,
		errors:          errors,
	}
}

func (m *metrics) recordRequest(ctx context.Context, model, operation string, d time.Duration, inputTokens, outputTokens int64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)

	m.requestDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
		return
	}

	m.tokens.Add(ctx, inputTokens, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("direction", "input"),
	))
	m.tokens.Add(ctx, outputTokens, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("direction", "output"),
	))
}
