// Package ext defines the extension system for durable.
//
// Extensions are notified of run lifecycle events and can react to them,
// for example by recording metrics or writing audit logs. Each lifecycle
// hook is a separate interface so extensions opt in only to the events
// they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnRunCompleted(ctx context.Context, r *world.Run, elapsed time.Duration) error {
//	    log.Printf("run %s completed in %s", r.ID, elapsed)
//	    return nil
//	}
//
// # Run Hooks
//
//   - [RunCreated]: a run was accepted by start
//   - [RunStarted]: the first invocation began replaying the run
//   - [RunCompleted]: the workflow returned a value
//   - [RunFailed]: the workflow failed terminally
//   - [RunCancelled]: the run was cancelled
//
// # Step Hooks
//
//   - [StepCompleted], [StepFailed], [StepRetrying]
//
// # Other Hooks
//
//   - [HookResumed]: an external payload was delivered to a hook
//   - [MessageDeadLettered]: a message exhausted its deliveries
//   - [Shutdown]: the engine is shutting down
//
// Hook errors are logged and never propagated. The [Registry] fans out
// each event to every extension implementing the matching interface.
package ext
