package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/courier/job"
)

// tracerName is the instrumentation scope name for courier tracing.
const tracerName = "github.com/xraph/courier"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes: courier.job.id, courier.job.name, courier.queue,
// courier.attempt, courier.attempts.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (string, error) {
		ctx, span := tracer.Start(ctx, "courier.job.execute",
			trace.WithAttributes(
				attribute.String("courier.job.id", j.ID),
				attribute.String("courier.job.name", j.Name),
				attribute.String("courier.queue", j.Queue),
				attribute.Int("courier.attempt", j.AttemptsMade+1),
				attribute.Int("courier.attempts", j.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.Bool("courier.unrecoverable", job.IsUnrecoverable(err)))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
