package middleware

import (
	"context"

	"github.com/xraph/durable/world"
)

// Handler is the terminal function that processes a delivery.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// delivered message and the next handler to call.
type Middleware func(ctx context.Context, msg *world.Message, next Handler) error

// Chain composes middleware into one. The first middleware in the list is
// the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, msg *world.Message, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, msg, prev)
			}
		}
		return h(ctx)
	}
}
