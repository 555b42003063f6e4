package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage outcome labels recorded on pipeline metrics.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeCacheHit = "cache_hit"
	OutcomeTimeout  = "timeout"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stageExecutionCounter metric.Int64Counter
	stageLatencyHistogram metric.Float64Histogram
	evaluationCounter     metric.Int64Counter
	cacheHitCounter       metric.Int64Counter
)

// RecordStage emits the execution counter and latency histogram for one
// pipeline stage.
func RecordStage(ctx context.Context, stage, outcome string, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.stage", stage),
		attribute.String("pipeline.outcome", outcome),
	}
	stageExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordEvaluation emits the per-submission counter with its terminal
// outcome.
func RecordEvaluation(ctx context.Context, outcome string, hasViolations bool) {
	if err := ensureMetrics(); err != nil {
		return
	}

	evaluationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.outcome", outcome),
		attribute.Bool("verdict.has_violations", hasViolations),
	))
	if outcome == OutcomeCacheHit {
		cacheHitCounter.Add(ctx, 1)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("policykit.pipeline")

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"policykit.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"policykit.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		evaluationCounter, metricsInitErr = meter.Int64Counter(
			"policykit.evaluations_total",
			metric.WithDescription("Submissions evaluated partitioned by terminal outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		cacheHitCounter, metricsInitErr = meter.Int64Counter(
			"policykit.cache_hits_total",
			metric.WithDescription("Evaluations served from the similarity cache"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
