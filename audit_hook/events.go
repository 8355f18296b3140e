package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionRunCreated          = "run.created"
	ActionRunStarted          = "run.started"
	ActionRunCompleted        = "run.completed"
	ActionRunFailed           = "run.failed"
	ActionRunCancelled        = "run.cancelled"
	ActionStepCompleted       = "step.completed"
	ActionStepFailed          = "step.failed"
	ActionStepRetrying        = "step.retrying"
	ActionHookResumed         = "hook.resumed"
	ActionMessageDeadLettered = "message.dead_lettered"
)

// Audit event categories group related actions.
const (
	CategoryRun     = "durable.run"
	CategoryStep    = "durable.step"
	CategoryHook    = "durable.hook"
	CategoryMessage = "durable.message"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRun     = "workflow_run"
	ResourceStep    = "step"
	ResourceHook    = "hook"
	ResourceMessage = "queue_message"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRunCreated,
		ActionRunStarted,
		ActionRunCompleted,
		ActionRunFailed,
		ActionRunCancelled,
		ActionStepCompleted,
		ActionStepFailed,
		ActionStepRetrying,
		ActionHookResumed,
		ActionMessageDeadLettered,
	}
}
