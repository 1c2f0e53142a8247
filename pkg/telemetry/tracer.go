package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig controls tracer construction.
type TracerConfig struct {
	// Enabled turns span export on. When off, a no-op tracer is installed.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this process in exported spans.
	ServiceName string `yaml:"service_name"`
}

// NewTracer installs the global tracer provider and returns it together with
// a shutdown function.
func NewTracer(cfg TracerConfig) (trace.Tracer, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "proximityd"
	}

	if !cfg.Enabled {
		tracer := otel.GetTracerProvider().Tracer(cfg.ServiceName)
		return tracer, func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Tracer(cfg.ServiceName), provider.Shutdown, nil
}
