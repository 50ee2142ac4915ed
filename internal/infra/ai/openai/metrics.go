package openai

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type aiMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsOK   bool
	instruments aiMetrics
)

func ensureMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/bryanwahyu/automaton-inspect/openai")

		requestCount, err := meter.Int64Counter(
			"ai.openai.request.count",
			metric.WithDescription("Number of OpenAI requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"ai.openai.request.duration",
			metric.WithDescription("OpenAI request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"ai.openai.request.errors",
			metric.WithDescription("Number of failed OpenAI requests"),
		)
		if err != nil {
			return
		}
		instruments = aiMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
		}
		metricsOK = true
	})
}

// RecordCall records one backend call; purpose is "handoff", "frame" or "question".
func RecordCall(ctx context.Context, purpose, model string, d time.Duration, err error) {
	recordCall(ctx, purpose, model, d, err)
}

func recordCall(ctx context.Context, purpose, model string, d time.Duration, err error) {
	ensureMetrics()
	if !metricsOK {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("ai.provider", "openai"),
		attribute.String("ai.model", model),
		attribute.String("ai.purpose", purpose),
	)
	instruments.requestCount.Add(ctx, 1, attrs)
	instruments.requestDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	if err != nil {
		instruments.requestErrors.Add(ctx, 1, attrs)
	}
}
