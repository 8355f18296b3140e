// Package audithook is a durable extension that bridges run, step and hook
// lifecycle events to an immutable audit trail backend such as Chronicle.
//
// Every lifecycle hook emits a structured audit event through the
// [Recorder] interface, with a severity (info for normal progress, warning
// for retries and cancellations, critical for terminal failures) and
// metadata such as the workflow name, step name, attempt and error.
//
// # Usage with Chronicle
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return chronicle.Info(ctx, evt.Action, evt.Resource, evt.ResourceID).
//	        Category(evt.Category).
//	        Outcome(evt.Outcome).
//	        Record()
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionRunFailed,
//	        audithook.ActionStepFailed,
//	        audithook.ActionMessageDeadLettered,
//	    ),
//	)
package audithook
