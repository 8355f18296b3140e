package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/durable/world"
)

// tracerName is the instrumentation scope name for delivery tracing.
const tracerName = "github.com/xraph/durable"

// Tracing wraps each delivery in a span from the global TracerProvider.
// Without a configured provider the noop tracer makes it a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer wraps each delivery in a span from tracer.
//
// Span attributes: durable.message.id, durable.queue, durable.deployment_id,
// durable.delivery_count.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, msg *world.Message, next Handler) error {
		ctx, span := tracer.Start(ctx, "durable.message.deliver",
			trace.WithAttributes(
				attribute.String("durable.message.id", msg.ID),
				attribute.String("durable.queue", msg.QueueName),
				attribute.String("durable.deployment_id", msg.DeploymentID),
				attribute.Int("durable.delivery_count", msg.DeliveryCount),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
