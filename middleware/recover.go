package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/durable/world"
)

// Recover converts a panic in the chain into an error, logging the stack.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, msg *world.Message, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("delivery handler panicked",
					slog.String("message_id", msg.ID),
					slog.String("queue", msg.QueueName),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic handling %s on %s: %v", msg.ID, msg.QueueName, r)
			}
		}()
		return next(ctx)
	}
}
