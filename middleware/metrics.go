package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/durable/world"
)

// meterName is the instrumentation scope name for delivery metrics.
const meterName = "github.com/xraph/durable"

// Metrics records delivery metrics with the global MeterProvider.
//
// Instruments:
//   - durable.delivery.duration (Float64Histogram, seconds)
//   - durable.delivery.count (Int64Counter)
//
// Both carry the attributes queue and status ("ok" or "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter records delivery metrics with meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"durable.delivery.duration",
		metric.WithDescription("Duration of message deliveries in seconds"),
		metric.WithUnit("s"),
	)
	deliveries, _ := meter.Int64Counter(
		"durable.delivery.count",
		metric.WithDescription("Number of message deliveries"),
		metric.WithUnit("{delivery}"),
	)

	return func(ctx context.Context, msg *world.Message, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("queue", msg.QueueName),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		deliveries.Add(ctx, 1, attrs)

		return err
	}
}
