// Package middleware provides composable middleware around message
// deliveries.
//
// A [Middleware] wraps the handling of one delivered message. Middleware
// are composed with [Chain] and applied right-to-left: the first middleware
// in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs queue, delivery count, duration and outcome
//   - [Recover] turns panics into errors so the message is redelivered
//   - [Timeout] bounds how long a single delivery may run
//   - [Tracing] wraps each delivery in an OpenTelemetry span
//   - [Metrics] records delivery duration and outcome counters
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
