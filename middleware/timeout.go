package middleware

import (
	"context"
	"time"

	"github.com/xraph/durable/world"
)

// Timeout cancels the delivery context after d. A non-positive d disables
// the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *world.Message, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
