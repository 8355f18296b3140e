package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/queue"
	"github.com/xraph/durable/serde"
	"github.com/xraph/durable/world"
)

// Executor runs step attempts delivered on step queues.
type Executor struct {
	world     world.World
	scheduler *queue.Scheduler
	registry  *Registry
	serde     *serde.Registry
	exts      *ext.Registry
	backoff   backoff.Strategy
	logger    *slog.Logger
	now       func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoff sets the delay strategy between attempts.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithExtensions sets the lifecycle extension registry.
func WithExtensions(r *ext.Registry) ExecutorOption {
	return func(e *Executor) { e.exts = r }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides the time source used for retry scheduling.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates a step executor.
func NewExecutor(w world.World, sched *queue.Scheduler, reg *Registry, sd *serde.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		world:     w,
		scheduler: sched,
		registry:  reg,
		serde:     sd,
		backoff:   backoff.DefaultStrategy(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle processes one step queue delivery. It is a queue.Handler.
func (e *Executor) Handle(ctx context.Context, msg *world.Message) (*queue.Continuation, error) {
	inv, err := queue.DecodeStepInvocation(msg.Payload)
	if err != nil {
		e.logger.Error("dropping malformed step message",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	logger := e.logger.With(slog.String("run_id", inv.RunID), slog.String("step_id", inv.StepID))

	run, err := e.world.GetRun(ctx, inv.RunID)
	if errors.Is(err, durable.ErrRunNotFound) {
		logger.Warn("step message for unknown run")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		logger.Debug("run already terminal, skipping step", slog.String("status", string(run.Status)))
		return nil, nil
	}

	st, err := e.world.GetStep(ctx, inv.RunID, inv.StepID)
	if errors.Is(err, durable.ErrStepNotFound) {
		logger.Warn("step message for unknown step")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if st.Status.IsTerminal() {
		// A previous attempt finished but may not have woken the workflow.
		return nil, e.wake(ctx, run, st)
	}

	if st.RetryAfter != nil {
		if wait := st.RetryAfter.Sub(e.now()); wait > 0 {
			return &queue.Continuation{TimeoutSeconds: backoff.Seconds(wait)}, nil
		}
	}

	def, ok := e.registry.Get(st.Name)
	if !ok {
		rerr := durable.NewRuntimeError(durable.KindStepNotFound, "step %q is not registered on this deployment", st.Name)
		return nil, e.fail(ctx, run, st, rerr, string(durable.KindStepNotFound))
	}

	invoke, err := def.Bind(e.serde, st.Input)
	if err != nil {
		if tag, unknown := serde.UnknownTag(err); unknown {
			logger.Error("step argument has an unknown serialized type",
				slog.String("step", st.Name),
				slog.String("type_tag", tag),
			)
			return nil, nil
		}
		return nil, e.fail(ctx, run, st, err, string(durable.KindSerialization))
	}

	attempt := st.Attempt + 1
	if err := e.append(ctx, st, world.EventStepStarted, world.StepStartedPayload{Attempt: attempt}); err != nil {
		return nil, ignoreSettled(err)
	}

	started := e.now()
	result, runErr := safeInvoke(ctx, invoke)
	elapsed := e.now().Sub(started)

	if runErr == nil {
		output, err := e.serde.Encode(result)
		if err != nil {
			return nil, e.fail(ctx, run, st, err, string(durable.KindSerialization))
		}
		if err := e.append(ctx, st, world.EventStepCompleted, world.StepCompletedPayload{Output: output}); err != nil {
			return nil, ignoreSettled(err)
		}
		st.Status = world.StepCompleted
		st.Attempt = attempt
		logger.Debug("step completed", slog.String("step", st.Name), slog.Int("attempt", attempt), slog.Duration("elapsed", elapsed))
		e.exts.EmitStepCompleted(ctx, st, elapsed)
		return nil, e.wake(ctx, run, st)
	}

	if IsFatal(runErr) {
		return nil, e.fail(ctx, run, st, runErr, "")
	}
	if attempt > def.MaxRetries() {
		// The workflow sees the step's own error; extensions can tell
		// exhaustion apart from a fatal failure.
		return nil, e.failWith(ctx, run, st, world.NewErrorInfo(runErr, ""),
			fmt.Errorf("%w after %d attempts: %w", durable.ErrMaxRetriesExceeded, attempt, runErr))
	}

	delay := e.backoff.Delay(attempt)
	var re *RetryableError
	if errors.As(runErr, &re) && re.RetryAfter > 0 {
		delay = re.RetryAfter
	}
	retryAt := e.now().Add(delay).UTC()
	err = e.append(ctx, st, world.EventStepRetrying, world.StepRetryingPayload{
		Attempt:    attempt,
		Error:      world.NewErrorInfo(runErr, ""),
		RetryAfter: retryAt,
	})
	if err != nil {
		return nil, ignoreSettled(err)
	}
	logger.Info("step attempt failed, retrying",
		slog.String("step", st.Name),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", runErr.Error()),
	)
	st.Attempt = attempt
	e.exts.EmitStepRetrying(ctx, st, attempt, retryAt)
	return &queue.Continuation{TimeoutSeconds: backoff.Seconds(delay)}, nil
}

// fail appends step_failed and wakes the workflow so it can observe the
// failure.
func (e *Executor) fail(ctx context.Context, run *world.Run, st *world.Step, cause error, kind string) error {
	return e.failWith(ctx, run, st, world.NewErrorInfo(cause, kind), cause)
}

func (e *Executor) failWith(ctx context.Context, run *world.Run, st *world.Step, info *world.ErrorInfo, cause error) error {
	if err := e.append(ctx, st, world.EventStepFailed, world.StepFailedPayload{Error: info}); err != nil {
		return ignoreSettled(err)
	}
	e.logger.Warn("step failed",
		slog.String("run_id", st.RunID),
		slog.String("step_id", st.ID),
		slog.String("step", st.Name),
		slog.String("error", cause.Error()),
	)
	st.Status = world.StepFailed
	st.Error = info
	e.exts.EmitStepFailed(ctx, st, cause)
	return e.wake(ctx, run, st)
}

// wake enqueues the workflow continuation for a settled step. The key is
// fixed per step so repeated deliveries send it once.
func (e *Executor) wake(ctx context.Context, run *world.Run, st *world.Step) error {
	_, err := e.scheduler.EnqueueWorkflow(ctx, run, st.ID+":settled", 0)
	if err != nil {
		return fmt.Errorf("step: wake run %s after %s: %w", run.ID, st.ID, err)
	}
	return nil
}

func (e *Executor) append(ctx context.Context, st *world.Step, typ world.EventType, payload any) error {
	data, err := world.NewEventData(typ, st.ID, payload)
	if err != nil {
		return err
	}
	_, err = e.world.CreateEvent(ctx, st.RunID, data, world.CreateEventOptions{})
	return err
}

// ignoreSettled turns races with cancellation or another attempt into an
// acknowledgement.
func ignoreSettled(err error) error {
	if errors.Is(err, durable.ErrRunTerminal) || errors.Is(err, durable.ErrDuplicateEvent) {
		return nil
	}
	return err
}

func safeInvoke(ctx context.Context, invoke Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return invoke(ctx)
}
