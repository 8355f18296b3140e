// Package step defines step functions and the executor that runs them.
//
// A step is an ordinary Go function with side effects. Workflows call
// steps through workflow.Call or workflow.Go; each call is dispatched as a
// message on the step's queue and executed here, at least once, with
// retries driven by queue continuations:
//
//	var ChargeCard = step.Define("charge-card",
//	    func(ctx context.Context, o Order) (Receipt, error) { ... },
//	    step.WithMaxRetries(5),
//	)
//
// Returning a [FatalError] fails the step without retries. Returning a
// [RetryableError] overrides the backoff delay before the next attempt.
package step
