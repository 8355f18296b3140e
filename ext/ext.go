package ext

import (
	"context"
	"time"

	"github.com/xraph/durable/world"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// RunCreated is called after start appends run_created.
type RunCreated interface {
	OnRunCreated(ctx context.Context, r *world.Run) error
}

// RunStarted is called once a run moves out of pending.
type RunStarted interface {
	OnRunStarted(ctx context.Context, r *world.Run) error
}

// RunCompleted is called after a run completes.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, r *world.Run, elapsed time.Duration) error
}

// RunFailed is called when a run fails terminally.
type RunFailed interface {
	OnRunFailed(ctx context.Context, r *world.Run, err error) error
}

// RunCancelled is called after a run is cancelled.
type RunCancelled interface {
	OnRunCancelled(ctx context.Context, r *world.Run, reason string) error
}

// StepCompleted is called after a step attempt succeeds.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, s *world.Step, elapsed time.Duration) error
}

// StepFailed is called when a step fails with no retries left.
type StepFailed interface {
	OnStepFailed(ctx context.Context, s *world.Step, err error) error
}

// StepRetrying is called when a failed step attempt will be retried.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, s *world.Step, attempt int, retryAt time.Time) error
}

// HookResumed is called after a hook receives its payload.
type HookResumed interface {
	OnHookResumed(ctx context.Context, h *world.Hook) error
}

// MessageDeadLettered is called when a message is dropped after
// exhausting its deliveries.
type MessageDeadLettered interface {
	OnMessageDeadLettered(ctx context.Context, msg *world.Message, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
