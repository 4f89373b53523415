package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/sdk/metric"
)

// metricInterval is how often metrics are pushed to the collector.
const metricInterval = 15 * time.Second

// InitMetrics installs a global OTLP meter provider. Returns a shutdown
// function that flushes pending metrics.
func InitMetrics(ctx context.Context, config Config) (shutdown func(context.Context) error, err error) {
	if config.OTLPEndpoint == "" {
		return noopShutdown, nil
	}

	res, err := newResource(config)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(metricInterval))),
	)
	otel.SetMeterProvider(meterProvider)

	return meterProvider.Shutdown, nil
}
