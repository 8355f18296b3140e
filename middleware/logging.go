package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/durable/world"
)

// Logging logs each delivery at debug level and failures at warn level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, msg *world.Message, next Handler) error {
		logger.Debug("delivery started",
			slog.String("message_id", msg.ID),
			slog.String("queue", msg.QueueName),
			slog.Int("delivery_count", msg.DeliveryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("delivery failed",
				slog.String("message_id", msg.ID),
				slog.String("queue", msg.QueueName),
				slog.Int("delivery_count", msg.DeliveryCount),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}

		logger.Debug("delivery handled",
			slog.String("message_id", msg.ID),
			slog.String("queue", msg.QueueName),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
