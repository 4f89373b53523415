// Package shared provides shared instrumentation for application services.
package shared

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/dca/internal/ports/outbound"
)

// Compile-time assertion that AppTelemetry implements MetricsRecorder.
var _ outbound.MetricsRecorder = (*AppTelemetry)(nil)

const (
	// instrumentationName is the name used for OpenTelemetry instrumentation.
	instrumentationName = "github.com/archon-research/dca/internal/services"
)

// AppTelemetry provides OpenTelemetry metrics for engine domain events.
// Adapter-level concerns (HTTP latency, SNS publish failures) are tracked by
// the adapters themselves.
type AppTelemetry struct {
	meter metric.Meter

	depositsTotal   metric.Int64Counter
	cancelsTotal    metric.Int64Counter
	fillsTotal      metric.Int64Counter
	rejectionsTotal metric.Int64Counter
	swapDuration    metric.Float64Histogram
}

// NewAppTelemetry creates a new AppTelemetry instance with OpenTelemetry instrumentation.
// Uses the global meter provider by default.
func NewAppTelemetry() (*AppTelemetry, error) {
	return NewAppTelemetryWithProvider(otel.GetMeterProvider())
}

// NewAppTelemetryWithProvider creates a new AppTelemetry instance with a custom meter provider.
func NewAppTelemetryWithProvider(mp metric.MeterProvider) (*AppTelemetry, error) {
	meter := mp.Meter(instrumentationName)

	t := &AppTelemetry{
		meter: meter,
	}

	var err error

	t.depositsTotal, err = meter.Int64Counter(
		"dca.deposits.total",
		metric.WithDescription("Total number of orders opened"),
	)
	if err != nil {
		return nil, err
	}

	t.cancelsTotal, err = meter.Int64Counter(
		"dca.cancels.total",
		metric.WithDescription("Total number of orders cancelled by their owner"),
	)
	if err != nil {
		return nil, err
	}

	t.fillsTotal, err = meter.Int64Counter(
		"dca.fills.total",
		metric.WithDescription("Total number of successful epoch executions"),
	)
	if err != nil {
		return nil, err
	}

	t.rejectionsTotal, err = meter.Int64Counter(
		"dca.rejections.total",
		metric.WithDescription("Total number of rejected operations by reason"),
	)
	if err != nil {
		return nil, err
	}

	t.swapDuration, err = meter.Float64Histogram(
		"dca.fill.swap.duration",
		metric.WithDescription("Time spent in the swap venue during a fill"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *AppTelemetry) RecordDeposit(ctx context.Context) {
	t.depositsTotal.Add(ctx, 1)
}

func (t *AppTelemetry) RecordCancel(ctx context.Context) {
	t.cancelsTotal.Add(ctx, 1)
}

func (t *AppTelemetry) RecordFill(ctx context.Context, swapDuration time.Duration) {
	t.fillsTotal.Add(ctx, 1)
	t.swapDuration.Record(ctx, swapDuration.Seconds())
}

// RecordRejection records a failed operation. code is the stable error code,
// or "INTERNAL" for infrastructure failures.
func (t *AppTelemetry) RecordRejection(ctx context.Context, operation, code string) {
	t.rejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("reason", code),
	))
}
