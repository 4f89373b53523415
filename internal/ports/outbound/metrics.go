// Package outbound defines the outbound port interfaces.
package outbound

import (
	"context"
	"time"
)

// MetricsRecorder provides an interface for recording engine metrics.
// This allows the service layer to record metrics without depending on
// specific telemetry implementations.
type MetricsRecorder interface {
	// RecordDeposit records a successful deposit.
	RecordDeposit(ctx context.Context)

	// RecordCancel records a successful cancel.
	RecordCancel(ctx context.Context)

	// RecordFill records a successful fill and how long the swap took.
	RecordFill(ctx context.Context, swapDuration time.Duration)

	// RecordRejection records an operation that failed with the given error code.
	RecordRejection(ctx context.Context, operation, code string)
}
