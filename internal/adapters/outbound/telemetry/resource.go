// Package telemetry initializes the OpenTelemetry meter and tracer providers
// for the engine and relayer binaries.
//
// Both initializers are no-ops when no OTLP endpoint is configured, so local
// runs and tests do not need a collector.
//
// Usage:
//
//	shutdown, err := telemetry.InitMetrics(ctx, telemetry.Config{
//	    ServiceName:  "dca-engine",
//	    OTLPEndpoint: "localhost:4317",
//	})
//	defer shutdown(ctx)
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Config holds telemetry configuration shared by metrics and tracing.
type Config struct {
	// ServiceName is the name of the service (e.g., "dca-engine").
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Environment is the deployment environment (e.g., "development", "production").
	Environment string

	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	// If empty, nothing is exported.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0). Zero means 1.0.
	SampleRate float64
}

// ConfigDefaults returns default configuration.
func ConfigDefaults() Config {
	return Config{
		ServiceName:    "dca-engine",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

func noopShutdown(context.Context) error { return nil }

func newResource(config Config) (*resource.Resource, error) {
	if config.ServiceName == "" {
		config.ServiceName = ConfigDefaults().ServiceName
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironmentName(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
