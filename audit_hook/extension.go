package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/world"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.RunCreated          = (*Extension)(nil)
	_ ext.RunStarted          = (*Extension)(nil)
	_ ext.RunCompleted        = (*Extension)(nil)
	_ ext.RunFailed           = (*Extension)(nil)
	_ ext.RunCancelled        = (*Extension)(nil)
	_ ext.StepCompleted       = (*Extension)(nil)
	_ ext.StepFailed          = (*Extension)(nil)
	_ ext.StepRetrying        = (*Extension)(nil)
	_ ext.HookResumed         = (*Extension)(nil)
	_ ext.MessageDeadLettered = (*Extension)(nil)
)

// Recorder is the interface audit backends implement. It matches
// chronicle.Emitter but is declared here so that this package does not
// depend on Chronicle; callers inject the backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit record.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc adapts a plain function to Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants (mirror chronicle/audit).
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants (mirror chronicle/audit).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension records durable lifecycle events through a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Run lifecycle ───────────────────────────────────

// OnRunCreated implements ext.RunCreated.
func (e *Extension) OnRunCreated(ctx context.Context, r *world.Run) error {
	return e.record(ctx, ActionRunCreated, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID, CategoryRun, nil,
		"workflow_name", r.WorkflowName,
		"deployment_id", r.DeploymentID,
		"spec_version", r.SpecVersion,
	)
}

// OnRunStarted implements ext.RunStarted.
func (e *Extension) OnRunStarted(ctx context.Context, r *world.Run) error {
	return e.record(ctx, ActionRunStarted, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID, CategoryRun, nil,
		"workflow_name", r.WorkflowName,
	)
}

// OnRunCompleted implements ext.RunCompleted.
func (e *Extension) OnRunCompleted(ctx context.Context, r *world.Run, elapsed time.Duration) error {
	return e.record(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRun, r.ID, CategoryRun, nil,
		"workflow_name", r.WorkflowName,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRunFailed implements ext.RunFailed.
func (e *Extension) OnRunFailed(ctx context.Context, r *world.Run, runErr error) error {
	kvs := []any{"workflow_name", r.WorkflowName}
	if r.Error != nil && r.Error.Kind != "" {
		kvs = append(kvs, "error_kind", r.Error.Kind)
	}
	return e.record(ctx, ActionRunFailed, SeverityCritical, OutcomeFailure,
		ResourceRun, r.ID, CategoryRun, runErr, kvs...)
}

// OnRunCancelled implements ext.RunCancelled.
func (e *Extension) OnRunCancelled(ctx context.Context, r *world.Run, reason string) error {
	return e.record(ctx, ActionRunCancelled, SeverityWarning, OutcomeFailure,
		ResourceRun, r.ID, CategoryRun, nil,
		"workflow_name", r.WorkflowName,
		"reason", reason,
	)
}

// ── Step lifecycle ──────────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, s *world.Step, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceStep, s.ID, CategoryStep, nil,
		"run_id", s.RunID,
		"step_name", s.Name,
		"attempt", s.Attempt,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, s *world.Step, stepErr error) error {
	return e.record(ctx, ActionStepFailed, SeverityCritical, OutcomeFailure,
		ResourceStep, s.ID, CategoryStep, stepErr,
		"run_id", s.RunID,
		"step_name", s.Name,
		"attempt", s.Attempt,
		"max_retries", s.MaxRetries,
	)
}

// OnStepRetrying implements ext.StepRetrying.
func (e *Extension) OnStepRetrying(ctx context.Context, s *world.Step, attempt int, retryAt time.Time) error {
	return e.record(ctx, ActionStepRetrying, SeverityWarning, OutcomeFailure,
		ResourceStep, s.ID, CategoryStep, nil,
		"run_id", s.RunID,
		"step_name", s.Name,
		"attempt", attempt,
		"retry_at", retryAt.Format(time.RFC3339),
	)
}

// ── Hooks and messages ──────────────────────────────

// OnHookResumed implements ext.HookResumed. The token is a bearer
// credential and is never recorded.
func (e *Extension) OnHookResumed(ctx context.Context, h *world.Hook) error {
	return e.record(ctx, ActionHookResumed, SeverityInfo, OutcomeSuccess,
		ResourceHook, h.ID, CategoryHook, nil,
		"run_id", h.RunID,
		"position", h.Position,
	)
}

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (e *Extension) OnMessageDeadLettered(ctx context.Context, msg *world.Message, msgErr error) error {
	return e.record(ctx, ActionMessageDeadLettered, SeverityCritical, OutcomeFailure,
		ResourceMessage, msg.ID, CategoryMessage, msgErr,
		"queue", msg.QueueName,
		"deployment_id", msg.DeploymentID,
		"deliveries", msg.DeliveryCount,
	)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs are added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
