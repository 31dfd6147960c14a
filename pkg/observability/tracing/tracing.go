// Package tracing bootstraps an OpenTelemetry tracer provider. Exporter
// choice beyond the stdout development exporter belongs to the embedding
// process.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope the runtime traces under.
const TracerName = "github.com/qsologio/qsolog"

// Setup installs a tracer provider with the stdout exporter and returns its
// shutdown function. Intended for development; production embedders install
// their own provider and skip this.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: stdout exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the module tracer from the globally installed provider. It
// is a no-op tracer until a provider is installed.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
