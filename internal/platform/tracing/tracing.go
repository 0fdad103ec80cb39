// Package tracing wires OpenTelemetry spans around the Execution Engine's
// blocking calls into the Container Controller, matching the per-session
// span grouping pattern used for agent runs in the teacher codebase.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "trinity.orchestrator"

// Init configures a global TracerProvider that exports to an OTLP/HTTP
// collector at endpoint. An empty endpoint leaves tracing a no-op, which is
// the default for local/dev runs.
func Init(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-wide tracer for span creation.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartExecutionSpan starts a span around one chat/task execution.
func StartExecutionSpan(ctx context.Context, agentName, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution."+mode, trace.WithAttributes(
		attribute.String("agent.name", agentName),
		attribute.String("execution.mode", mode),
	))
}
