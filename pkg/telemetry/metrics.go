package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Execution phases.
const (
	PhaseCompile = "compile"
	PhaseInvoke  = "invoke"
)

// Execution outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

var (
	metricsOnce               sync.Once
	metricsInitErr            error
	sandboxExecutionCounter   metric.Int64Counter
	sandboxTimeoutCounter     metric.Int64Counter
	sandboxRejectedCounter    metric.Int64Counter
	sandboxLatencyHistogram   metric.Float64Histogram
	sandboxInFlightUpDown     metric.Int64UpDownCounter
	deploymentOperationsTotal metric.Int64Counter
)

// ExecutionMetrics captures the fields needed to record one sandbox execution.
type ExecutionMetrics struct {
	Phase    string
	TenantID string
	APIID    string
	Outcome  string
	Duration time.Duration
}

// RecordExecution emits counters and histograms that describe sandbox behaviour.
func RecordExecution(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("sandbox.phase", m.Phase),
		attribute.String("sandbox.outcome", m.Outcome),
	}
	if m.TenantID != "" {
		attrs = append(attrs, attribute.String("tenant.id", m.TenantID))
	}
	if m.APIID != "" {
		attrs = append(attrs, attribute.String("api.id", m.APIID))
	}

	sandboxExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		sandboxLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch m.Outcome {
	case OutcomeTimeout:
		sandboxTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case OutcomeRejected:
		sandboxRejectedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// AdjustInFlight moves the in-flight execution gauge by delta.
func AdjustInFlight(ctx context.Context, phase string, delta int64) {
	if err := ensureMetrics(); err != nil {
		return
	}
	sandboxInFlightUpDown.Add(ctx, delta, metric.WithAttributes(attribute.String("sandbox.phase", phase)))
}

// RecordDeploymentOperation counts deploy, rollback and undeploy calls by result.
func RecordDeploymentOperation(ctx context.Context, operation, tenantID, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	deploymentOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("deployment.operation", operation),
		attribute.String("tenant.id", tenantID),
		attribute.String("deployment.outcome", outcome),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.deploy")

		sandboxExecutionCounter, metricsInitErr = meter.Int64Counter(
			"sandbox.executions_total",
			metric.WithDescription("Sandbox executions partitioned by phase and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sandboxTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"sandbox.timeouts_total",
			metric.WithDescription("Executions interrupted after exceeding the time limit"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sandboxRejectedCounter, metricsInitErr = meter.Int64Counter(
			"sandbox.admission_rejected_total",
			metric.WithDescription("Executions refused because the concurrency gate was full"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		sandboxLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"sandbox.duration_ms",
			metric.WithDescription("Observed sandbox execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		sandboxInFlightUpDown, metricsInitErr = meter.Int64UpDownCounter(
			"sandbox.in_flight",
			metric.WithDescription("Executions currently holding a sandbox slot"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		deploymentOperationsTotal, metricsInitErr = meter.Int64Counter(
			"deployment.operations_total",
			metric.WithDescription("Deployment lifecycle operations partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordValidationEvent attaches a coarse-grained validation event to the span without leaking source text.
func RecordValidationEvent(span trace.Span, valid bool, errors int, warnings int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("validation.completed", trace.WithAttributes(
		attribute.Bool("validation.valid", valid),
		attribute.Int("validation.errors.count", errors),
		attribute.Int("validation.warnings.count", warnings),
	))
}
