package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider supplies tracers for the emit pipeline and lets the host
// flush buffered spans on shutdown.
type TracerProvider interface {
	// GetTracer returns a Tracer instance with the specified name and options.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown flushes and stops the provider. The context should carry a
	// deadline. NoOp implementations return nil.
	Shutdown(ctx context.Context) error
}
