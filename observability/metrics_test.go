package observability

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics sets up a test meter provider with in-memory reader
func setupTestMetrics(t *testing.T) (*metric.MeterProvider, *metric.ManualReader) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(
		metric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	return provider, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	found := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = m
		}
	}
	return found
}

func sumWith(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Expected Sum[int64] for %s, got %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestInstrumentsRecordRequest(t *testing.T) {
	provider, reader := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	inst, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments failed: %v", err)
	}
	inst.RecordRequest(context.Background(), "fallback", "mcp_direct", 12*time.Millisecond)
	inst.RecordRequest(context.Background(), "primary", "primary", 3*time.Millisecond)

	metrics := collect(t, reader)
	requests, ok := metrics["tidelink.requests"]
	if !ok {
		t.Fatal("Request counter not found")
	}
	if got := sumWith(t, requests, "kind", "fallback"); got != 1 {
		t.Errorf("Expected 1 fallback request, got %d", got)
	}

	latency, ok := metrics["tidelink.request.latency"]
	if !ok {
		t.Fatal("Latency histogram not found")
	}
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("Expected Histogram[float64], got %T", latency.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("Expected 2 latency samples, got %d", count)
	}
}

func TestInstrumentsRecordComponents(t *testing.T) {
	provider, reader := setupTestMetrics(t)
	defer provider.Shutdown(context.Background())

	inst, err := NewInstruments()
	if err != nil {
		t.Fatalf("NewInstruments failed: %v", err)
	}
	ctx := context.Background()
	inst.RecordBreakerTransition(ctx, "primary", "closed", "open")
	inst.RecordQueueOutcome(ctx, "completed")
	inst.RecordQueueOutcome(ctx, "failed")
	inst.RecordFallbackStage(ctx, "cache", false)
	inst.RecordFallbackStage(ctx, "mcp_direct", true)

	metrics := collect(t, reader)
	if got := sumWith(t, metrics["tidelink.breaker.transitions"], "to", "open"); got != 1 {
		t.Errorf("Expected 1 open transition, got %d", got)
	}
	if got := sumWith(t, metrics["tidelink.queue.processed"], "outcome", "failed"); got != 1 {
		t.Errorf("Expected 1 failed queue outcome, got %d", got)
	}
	if got := sumWith(t, metrics["tidelink.fallback.stage"], "success", "true"); got != 1 {
		t.Errorf("Expected 1 successful stage, got %d", got)
	}
}

func TestNilInstrumentsAreNoops(t *testing.T) {
	var inst *Instruments
	ctx := context.Background()
	inst.RecordRequest(ctx, "primary", "primary", time.Millisecond)
	inst.RecordBreakerTransition(ctx, "primary", "closed", "open")
	inst.RecordQueueOutcome(ctx, "completed")
	inst.RecordFallbackStage(ctx, "cache", true)
}

func TestInitMetrics(t *testing.T) {
	provider, err := InitMetrics("tidelink-test")
	if err != nil {
		t.Fatalf("InitMetrics failed: %v", err)
	}
	defer ShutdownMetrics(context.Background())
	if provider == nil {
		t.Fatal("Expected provider")
	}
}
