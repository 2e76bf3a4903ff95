package obs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce      sync.Once
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	ttftHistogram    metric.Float64Histogram
	rateHistogram    metric.Float64Histogram
	tokensHistogram  metric.Int64Histogram
	latencyHistogram metric.Float64Histogram

	bgOnce sync.Once
	bgCtx  context.Context
)

func installMetrics(m meter) {
	metricsOnce.Do(func() {
		if m == nil {
			return
		}
		requestCounter, _ = m.Int64Counter("loreweave.requests", metric.WithDescription("Generation requests"))
		errorCounter, _ = m.Int64Counter("loreweave.errors", metric.WithDescription("Generation faults by code"))
		ttftHistogram, _ = m.Float64Histogram("loreweave.ttft_ms", metric.WithDescription("Time to first token (ms)"))
		rateHistogram, _ = m.Float64Histogram("loreweave.tokens_per_sec", metric.WithDescription("Token throughput"))
		tokensHistogram, _ = m.Int64Histogram("loreweave.tokens", metric.WithDescription("Tokens per generation"))
		latencyHistogram, _ = m.Float64Histogram("loreweave.latency_ms", metric.WithDescription("Generation latency (ms)"))
	})
}

type meter interface {
	Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(string, ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
	Int64Histogram(string, ...metric.Int64HistogramOption) (metric.Int64Histogram, error)
}

// RecordRequest counts one generation request.
func RecordRequest(provider string) {
	if requestCounter == nil {
		return
	}
	requestCounter.Add(backgroundContext(), 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordError counts one fault, attributed to its taxonomy code and provider.
func RecordError(code, provider string) {
	if errorCounter == nil {
		return
	}
	errorCounter.Add(backgroundContext(), 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.String("provider", provider),
	))
}

// RecordFirstToken records the time-to-first-token latency.
func RecordFirstToken(d time.Duration, provider string) {
	if ttftHistogram == nil {
		return
	}
	ttftHistogram.Record(backgroundContext(), float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordGeneration records end-of-stream throughput metrics.
func RecordGeneration(tokens int, elapsed time.Duration, provider string) {
	ctx := backgroundContext()
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	if tokensHistogram != nil {
		tokensHistogram.Record(ctx, int64(tokens), attrs)
	}
	if latencyHistogram != nil {
		latencyHistogram.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
	if rateHistogram != nil && elapsed > 0 {
		rateHistogram.Record(ctx, float64(tokens)/elapsed.Seconds(), attrs)
	}
}

func backgroundContext() context.Context {
	bgOnce.Do(func() {
		bgCtx = context.Background()
	})
	return bgCtx
}
