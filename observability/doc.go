// Package observability provides an OpenTelemetry metrics extension for
// durable. MetricsExtension implements lifecycle hooks to count run
// starts, completions, failures and cancellations, step outcomes and
// retries, hook resumptions and dead-lettered messages.
//
// For per-delivery tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
