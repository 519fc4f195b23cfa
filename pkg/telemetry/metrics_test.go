package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/polisai/polis-deploy/pkg/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordExecution(t *testing.T) {
	ctx := context.Background()
	reader := installReader(t)

	RecordExecution(ctx, ExecutionMetrics{
		Phase:    PhaseInvoke,
		TenantID: "acme",
		APIID:    "weather",
		Outcome:  OutcomeTimeout,
		Duration: 150 * time.Millisecond,
	})
	RecordExecution(ctx, ExecutionMetrics{Phase: PhaseCompile, Outcome: OutcomeRejected})

	metrics := collect(t, reader)

	sumExec, ok := metrics["sandbox.executions_total"]
	if !ok {
		t.Fatalf("missing sandbox.executions_total metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(execData.DataPoints))
	}

	var sawTenant bool
	for _, dp := range execData.DataPoints {
		if value, ok := dp.Attributes.Value(attribute.Key("tenant.id")); ok && value.AsString() == "acme" {
			sawTenant = true
		}
	}
	if !sawTenant {
		t.Fatalf("expected a datapoint carrying tenant.id=acme")
	}

	timeouts := metrics["sandbox.timeouts_total"].Data.(metricdata.Sum[int64])
	if timeouts.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeouts.DataPoints[0].Value)
	}

	rejected := metrics["sandbox.admission_rejected_total"].Data.(metricdata.Sum[int64])
	if rejected.DataPoints[0].Value != 1 {
		t.Fatalf("expected rejected count 1, got %d", rejected.DataPoints[0].Value)
	}

	hist, ok := metrics["sandbox.duration_ms"]
	if !ok {
		t.Fatalf("missing sandbox.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestInFlightAndDeploymentOperations(t *testing.T) {
	ctx := context.Background()
	reader := installReader(t)

	AdjustInFlight(ctx, PhaseCompile, 1)
	AdjustInFlight(ctx, PhaseCompile, 1)
	AdjustInFlight(ctx, PhaseCompile, -1)
	RecordDeploymentOperation(ctx, "deploy", "acme", "success")

	metrics := collect(t, reader)

	inFlight := metrics["sandbox.in_flight"].Data.(metricdata.Sum[int64])
	if inFlight.DataPoints[0].Value != 1 {
		t.Fatalf("expected in-flight 1, got %d", inFlight.DataPoints[0].Value)
	}

	ops := metrics["deployment.operations_total"].Data.(metricdata.Sum[int64])
	if ops.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 deployment operation, got %d", ops.DataPoints[0].Value)
	}
}

func TestRecordValidationEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "compile")
	RecordValidationEvent(span, false, 2, 1)
	RecordPolicyDecision(span, policy.Decision{Action: policy.ActionBlock, Reason: "frozen", Metadata: map[string]string{"posture": "fail-closed"}})
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "validation.completed" || events[1].Name != "policy.blocked" {
		t.Fatalf("unexpected events %q, %q", events[0].Name, events[1].Name)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("validation.valid")); !ok || value.AsBool() {
		t.Fatalf("expected validation.valid attribute false")
	}
	if value, ok := attrs.Value(attribute.Key("validation.errors.count")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected errors count 2, got %v", value)
	}

	spanAttrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := spanAttrs.Value(attribute.Key("policy.decision.reason")); !ok || value.AsString() != "frozen" {
		t.Fatalf("expected decision reason frozen, got %v", value)
	}
	if value, ok := spanAttrs.Value(attribute.Key("policy.posture")); !ok || value.AsString() != "fail-closed" {
		t.Fatalf("expected posture metadata, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRedactAttributes(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.x_payment", "proof"),
		attribute.String("handler.source", "export default app"),
		attribute.String("tenant.id", "acme"),
	}

	filtered := RedactAttributes(attrs)

	if len(filtered) != 1 || filtered[0].Key != "tenant.id" {
		t.Fatalf("expected only tenant.id to survive, got %v", filtered)
	}
	if RedactAttributes(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-deploy"})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
