// Package workflow implements the replay-based run state machine.
//
// A workflow is a deterministic Go function. It is never suspended in
// memory: every time it needs something that is not available yet (a step
// result, a timer, an external payload) the current invocation ends, and
// the next delivery replays the function from the start against the run's
// event log. Call sites are numbered by position in execution order, and
// position i resolves from the i-th step, sleep or hook recorded in the log.
//
// # Defining a Workflow
//
//	var ProcessOrder = workflow.Define("process-order",
//	    func(ctx *workflow.Context, o Order) (Receipt, error) {
//	        if _, err := workflow.Call(ctx, ValidateOrder, o); err != nil {
//	            return Receipt{}, err
//	        }
//	        if err := ctx.Sleep(10 * time.Minute); err != nil {
//	            return Receipt{}, err
//	        }
//	        return workflow.Call(ctx, ChargeCard, o)
//	    },
//	)
//
// Workflow code must propagate the errors returned by Call, Sleep and
// Receive. A suspended invocation reports ErrSuspended; the runner
// recognises it and discards the rest of the execution.
//
// # Parallel Steps
//
// [Go] dispatches a step without waiting for it. All futures started before
// the first unresolved [Future.Get] are dispatched together:
//
//	a := workflow.Go(ctx, ReserveStock, o)
//	b := workflow.Go(ctx, ChargeCard, o)
//	stock, err := a.Get()
//	...
//	receipt, err := b.Get()
//
// # Hooks
//
// [Context.CreateHook] returns a handle whose token lets external code
// resume the run with a payload via engine.ResumeHook:
//
//	hook, err := ctx.CreateHook(workflow.WithMetadata(map[string]any{"kind": "approval"}))
//	decision, err := workflow.Receive[Decision](ctx, hook)
//
// # Determinism
//
// A replay that issues a different kind of call, or a different step, at a
// recorded position fails the run with a non-determinism error.
// [Context.Now] is a clock driven by the log rather than the host and is
// safe to branch on.
package workflow
