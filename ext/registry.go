package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/durable/world"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events to
// them. Extensions are type-cached at registration so emits only visit
// extensions that implement the hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	runCreated    []entry[RunCreated]
	runStarted    []entry[RunStarted]
	runCompleted  []entry[RunCompleted]
	runFailed     []entry[RunFailed]
	runCancelled  []entry[RunCancelled]
	stepCompleted []entry[StepCompleted]
	stepFailed    []entry[StepFailed]
	stepRetrying  []entry[StepRetrying]
	hookResumed   []entry[HookResumed]
	deadLettered  []entry[MessageDeadLettered]
	shutdown      []entry[Shutdown]
}

// NewRegistry creates an extension registry. A nil logger uses
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func add[H any](list *[]entry[H], name string, e Extension) {
	if h, ok := e.(H); ok {
		*list = append(*list, entry[H]{name, h})
	}
}

// Register adds an extension. Extensions are notified in registration
// order. Register is not safe to call concurrently with emits.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	add(&r.runCreated, name, e)
	add(&r.runStarted, name, e)
	add(&r.runCompleted, name, e)
	add(&r.runFailed, name, e)
	add(&r.runCancelled, name, e)
	add(&r.stepCompleted, name, e)
	add(&r.stepFailed, name, e)
	add(&r.stepRetrying, name, e)
	add(&r.hookResumed, name, e)
	add(&r.deadLettered, name, e)
	add(&r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

func emit[H any](r *Registry, list []entry[H], hookName string, call func(H) error) {
	for _, e := range list {
		if err := call(e.hook); err != nil {
			r.logHookError(hookName, e.name, err)
		}
	}
}

// EmitRunCreated notifies RunCreated extensions.
func (r *Registry) EmitRunCreated(ctx context.Context, run *world.Run) {
	if r == nil {
		return
	}
	emit(r, r.runCreated, "OnRunCreated", func(h RunCreated) error { return h.OnRunCreated(ctx, run) })
}

// EmitRunStarted notifies RunStarted extensions.
func (r *Registry) EmitRunStarted(ctx context.Context, run *world.Run) {
	if r == nil {
		return
	}
	emit(r, r.runStarted, "OnRunStarted", func(h RunStarted) error { return h.OnRunStarted(ctx, run) })
}

// EmitRunCompleted notifies RunCompleted extensions.
func (r *Registry) EmitRunCompleted(ctx context.Context, run *world.Run, elapsed time.Duration) {
	if r == nil {
		return
	}
	emit(r, r.runCompleted, "OnRunCompleted", func(h RunCompleted) error { return h.OnRunCompleted(ctx, run, elapsed) })
}

// EmitRunFailed notifies RunFailed extensions.
func (r *Registry) EmitRunFailed(ctx context.Context, run *world.Run, runErr error) {
	if r == nil {
		return
	}
	emit(r, r.runFailed, "OnRunFailed", func(h RunFailed) error { return h.OnRunFailed(ctx, run, runErr) })
}

// EmitRunCancelled notifies RunCancelled extensions.
func (r *Registry) EmitRunCancelled(ctx context.Context, run *world.Run, reason string) {
	if r == nil {
		return
	}
	emit(r, r.runCancelled, "OnRunCancelled", func(h RunCancelled) error { return h.OnRunCancelled(ctx, run, reason) })
}

// EmitStepCompleted notifies StepCompleted extensions.
func (r *Registry) EmitStepCompleted(ctx context.Context, s *world.Step, elapsed time.Duration) {
	if r == nil {
		return
	}
	emit(r, r.stepCompleted, "OnStepCompleted", func(h StepCompleted) error { return h.OnStepCompleted(ctx, s, elapsed) })
}

// EmitStepFailed notifies StepFailed extensions.
func (r *Registry) EmitStepFailed(ctx context.Context, s *world.Step, stepErr error) {
	if r == nil {
		return
	}
	emit(r, r.stepFailed, "OnStepFailed", func(h StepFailed) error { return h.OnStepFailed(ctx, s, stepErr) })
}

// EmitStepRetrying notifies StepRetrying extensions.
func (r *Registry) EmitStepRetrying(ctx context.Context, s *world.Step, attempt int, retryAt time.Time) {
	if r == nil {
		return
	}
	emit(r, r.stepRetrying, "OnStepRetrying", func(h StepRetrying) error { return h.OnStepRetrying(ctx, s, attempt, retryAt) })
}

// EmitHookResumed notifies HookResumed extensions.
func (r *Registry) EmitHookResumed(ctx context.Context, hook *world.Hook) {
	if r == nil {
		return
	}
	emit(r, r.hookResumed, "OnHookResumed", func(h HookResumed) error { return h.OnHookResumed(ctx, hook) })
}

// EmitMessageDeadLettered notifies MessageDeadLettered extensions.
func (r *Registry) EmitMessageDeadLettered(ctx context.Context, msg *world.Message, msgErr error) {
	if r == nil {
		return
	}
	emit(r, r.deadLettered, "OnMessageDeadLettered", func(h MessageDeadLettered) error {
		return h.OnMessageDeadLettered(ctx, msg, msgErr)
	})
}

// EmitShutdown notifies Shutdown extensions.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	emit(r, r.shutdown, "OnShutdown", func(h Shutdown) error { return h.OnShutdown(ctx) })
}

// logHookError logs a hook failure. Hook errors never reach the caller.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
