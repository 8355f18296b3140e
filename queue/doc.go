// Package queue turns logical sends into at-least-once deliveries.
//
// # Queue names
//
// Physical queue names are derived from workflow and step names by
// prefixing them with [WorkflowPrefix] or [StepPrefix]. Names may only use
// the characters A-Z, a-z, 0-9, '_', '-', '.', '/' and '@', so scoped
// package-style names such as "@acme/billing@1.4.0/charge" survive
// verbatim while anything else is rejected before a backend is contacted.
//
// # Scheduler
//
// [Scheduler.Enqueue] resolves the deployment a message belongs to, sends
// it with an optional idempotency key and reports duplicate keys as
// success with a placeholder message ID derived from the key.
//
// [Scheduler.Handler] adapts a [Handler] to a world.MessageHandler. A
// handler that returns a [Continuation] gets its message sent again after
// min(TimeoutSeconds, [MaxDelaySeconds]) seconds and the original
// acknowledged; long waits therefore take several hops, each re-evaluating
// how much time is left.
//
// # Manager
//
// [Manager] enforces per-queue and per-deployment limits at delivery time
// with a token-bucket rate limiter (golang.org/x/time/rate) and an
// active-count gate:
//
//	m := queue.NewManager(
//	    queue.Limit{Queue: "__wkf_step_charge", MaxConcurrency: 5},
//	    queue.Limit{Queue: "__wkf_step_email", RateLimit: 10, RateBurst: 20},
//	)
package queue
