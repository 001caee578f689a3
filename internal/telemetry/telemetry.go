// Package telemetry owns the OpenTelemetry instruments recorded by the
// pipeline. When no MeterProvider or TracerProvider is installed globally the
// OTel API hands out noop implementations and recording is free.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tendant/simple-analyzer"

// Metrics groups the instruments shared across components. All methods are
// safe on a nil receiver.
type Metrics struct {
	jobDuration        metric.Float64Histogram
	jobOutcomes        metric.Int64Counter
	dedupRejections    metric.Int64Counter
	rateLimitRejects   metric.Int64Counter
	breakerTransitions metric.Int64Counter
	reconcilerActions  metric.Int64Counter
}

// Default returns instruments backed by the global MeterProvider.
func Default() *Metrics {
	return New(otel.Meter(instrumentationName))
}

// New creates the instruments on the given meter. Instrument creation errors
// fall back to the noop instruments the OTel API returns alongside them.
func New(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.jobDuration, _ = meter.Float64Histogram(
		"analyzer.job.duration",
		metric.WithDescription("Wall-clock duration of job processing in seconds"),
		metric.WithUnit("s"),
	)
	m.jobOutcomes, _ = meter.Int64Counter(
		"analyzer.job.outcomes",
		metric.WithDescription("Processed jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	m.dedupRejections, _ = meter.Int64Counter(
		"analyzer.dedup.rejections",
		metric.WithDescription("Jobs rejected as duplicates"),
		metric.WithUnit("{job}"),
	)
	m.rateLimitRejects, _ = meter.Int64Counter(
		"analyzer.ratelimit.rejections",
		metric.WithDescription("Admission requests rejected by scope"),
		metric.WithUnit("{request}"),
	)
	m.breakerTransitions, _ = meter.Int64Counter(
		"analyzer.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	m.reconcilerActions, _ = meter.Int64Counter(
		"analyzer.reconciler.actions",
		metric.WithDescription("Stuck jobs repaired by the reconciler"),
		metric.WithUnit("{job}"),
	)
	return m
}

// JobFinished records one job outcome ("completed", "duplicate", "failed", "retry").
func (m *Metrics) JobFinished(ctx context.Context, assessment, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("assessment", assessment),
		attribute.String("outcome", outcome),
	)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.jobOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) DedupRejected(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.dedupRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RateLimited(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.rateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

func (m *Metrics) BreakerTransition(ctx context.Context, name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", name),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) Reconciled(ctx context.Context, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconcilerActions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("action", action)))
}

// Tracer returns the tracer used for per-job spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
