package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arcwell/maestro/job"
)

// tracerName is the instrumentation scope name for maestro tracing.
const tracerName = "github.com/arcwell/maestro"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: maestro.job.id, maestro.job.type,
// maestro.queue, maestro.retry_count, and the correlation ID when set.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "maestro.job.execute",
			trace.WithAttributes(
				attribute.String("maestro.job.id", j.ID.String()),
				attribute.String("maestro.job.type", j.Type),
				attribute.String("maestro.queue", j.Queue),
				attribute.Int("maestro.retry_count", j.RetryCount),
				attribute.String("maestro.correlation_id", j.CorrelationID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return result, err
	}
}
