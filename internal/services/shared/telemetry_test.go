package shared

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected int64 sum, got %T", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestAppTelemetry(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tel, err := NewAppTelemetryWithProvider(provider)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	tel.RecordDeposit(ctx)
	tel.RecordDeposit(ctx)
	tel.RecordCancel(ctx)
	tel.RecordFill(ctx, 250*time.Millisecond)
	tel.RecordRejection(ctx, "fill", "EPOCH_NOT_ELAPSED")
	tel.RecordRejection(ctx, "fill", "FEE_TOO_HIGH")

	metrics := collect(t, reader)
	if got := sumOf(t, metrics["dca.deposits.total"]); got != 2 {
		t.Errorf("expected 2 deposits, got %d", got)
	}
	if got := sumOf(t, metrics["dca.cancels.total"]); got != 1 {
		t.Errorf("expected 1 cancel, got %d", got)
	}
	if got := sumOf(t, metrics["dca.fills.total"]); got != 1 {
		t.Errorf("expected 1 fill, got %d", got)
	}

	rejections, ok := metrics["dca.rejections.total"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("missing rejections metric")
	}
	if len(rejections.DataPoints) != 2 {
		t.Errorf("expected one data point per reason, got %d", len(rejections.DataPoints))
	}

	hist, ok := metrics["dca.fill.swap.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("expected one swap duration sample, got %+v", metrics["dca.fill.swap.duration"].Data)
	}
}
