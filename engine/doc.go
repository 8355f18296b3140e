// Package engine wires the durable subsystems together. It owns the
// registries, the scheduler, the workflow runner and the step executor, and
// exposes the client operations: Start, CancelRun, ResumeHook and StopSleep.
//
// This package exists to break the import cycle: the root durable package
// defines errors and configuration imported by every subsystem and so
// cannot import those packages back. The engine sits above all subsystem
// packages and below the application layer.
//
// # Building an Engine
//
//	store, err := postgres.New(ctx, "postgres://localhost/durable")
//
//	eng, err := engine.New(store,
//	    engine.WithDeploymentID("dpl_2024_06_01"),
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.Exponential{Initial: time.Second, Max: time.Minute, Factor: 2}),
//	    engine.WithQueueLimit(queue.Limit{Queue: "__wkf_step_charge", MaxConcurrency: 4}),
//	)
//
// # Registering Work
//
//	var Charge = step.Define("charge", chargeCard, step.WithMaxRetries(5))
//
//	var Checkout = workflow.Define("checkout", func(ctx *workflow.Context, o Order) (Receipt, error) {
//	    paid, err := workflow.Call(ctx, Charge, o)
//	    ...
//	})
//
//	eng.RegisterStep(Charge)
//	eng.RegisterWorkflow(Checkout)
//
// # Running
//
//	go eng.Serve(ctx)
//
//	h, err := engine.Start(ctx, eng, Checkout, order)
//	receipt, err := h.Result(ctx)
//
//	// External events
//	eng.ResumeHook(ctx, "approval-"+order.ID, Approval{OK: true})
//	eng.StopSleep(ctx, h.RunID)
//	eng.CancelRun(ctx, h.RunID)
//
// # Options
//
//   - [WithConfig] sets the whole configuration
//   - [WithDeploymentID] pins the deployment served and started on
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a delivery middleware
//   - [WithBackoff] sets the retry backoff strategy
//   - [WithQueueLimit] bounds per-queue concurrency and rate
//   - [WithDeliveryTimeout] bounds a single delivery
//   - [WithManifest] verifies a discovery manifest at Start
//   - [WithDeadLetters] keeps dead-lettered messages for replay
//   - [WithTracerProvider] sets the OpenTelemetry tracer provider
//   - [WithMeterProvider] sets the OpenTelemetry meter provider
package engine
