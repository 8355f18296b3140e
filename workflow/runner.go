package workflow

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

// Runner replays workflow invocations delivered on workflow queues.
type Runner struct {
	world     world.World
	scheduler *queue.Scheduler
	registry  *Registry
	serde     *serde.Registry
	exts      *ext.Registry
	logger    *slog.Logger
	now       func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExtensions sets the lifecycle extension registry.
func WithExtensions(r *ext.Registry) RunnerOption {
	return func(rn *Runner) { rn.exts = r }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(rn *Runner) { rn.logger = l }
}

// WithClock overrides the time source used for timers.
func WithClock(now func() time.Time) RunnerOption {
	return func(rn *Runner) { rn.now = now }
}

// NewRunner creates a workflow runner.
func NewRunner(w world.World, sched *queue.Scheduler, reg *Registry, sd *serde.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		world:     w,
		scheduler: sched,
		registry:  reg,
		serde:     sd,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the workflow registry.
func (r *Runner) Registry() *Registry { return r.registry }

// HandleInvocation processes one workflow queue delivery. It is a
// queue.Handler.
func (r *Runner) HandleInvocation(ctx context.Context, msg *world.Message) (*queue.Continuation, error) {
	inv, err := queue.DecodeWorkflowInvocation(msg.Payload)
	if err != nil {
		r.logger.Error("dropping malformed workflow message",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return r.Resume(ctx, inv.RunID)
}

// Load projects the run's event log.
func (r *Runner) Load(ctx context.Context, runID string) (*world.Snapshot, error) {
	events, err := r.world.ListEvents(ctx, world.EventFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", durable.ErrRunNotFound, runID)
	}
	return world.Project(events)
}

// Resume replays the run once and persists whatever the replay produced:
// new calls when it suspended, or the terminal event when it returned.
func (r *Runner) Resume(ctx context.Context, runID string) (*queue.Continuation, error) {
	logger := r.logger.With(slog.String("run_id", runID))

	snap, err := r.Load(ctx, runID)
	if errors.Is(err, durable.ErrRunNotFound) {
		logger.Warn("workflow message for unknown run")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snap.Run.Status.IsTerminal() {
		logger.Debug("run already terminal", slog.String("status", string(snap.Run.Status)))
		return nil, nil
	}

	def, err := r.registry.MustGet(snap.Run.WorkflowName)
	if err != nil {
		rerr := durable.NewRuntimeError(durable.KindWorkflowNotFound, "not registered on this deployment")
		rerr.Err = err
		return nil, r.failRun(ctx, snap.Run, rerr, string(durable.KindWorkflowNotFound), "")
	}

	if snap, err = r.advance(ctx, snap, logger); err != nil {
		return nil, ignoreTerminal(err)
	}

	body, err := def.Bind(r.serde, snap.Run.Input)
	if err != nil {
		if tag, unknown := serde.UnknownTag(err); unknown {
			logger.Error("run input has an unknown serialized type", slog.String("type_tag", tag))
			return nil, nil
		}
		return nil, r.failRun(ctx, snap.Run, err, string(durable.KindSerialization), "")
	}

	wctx := newContext(ctx, snap, r.serde, logger, r.now)
	out, stack, runErr := execute(wctx, body)

	switch {
	case wctx.fatal != nil:
		if tag, unknown := serde.UnknownTag(wctx.fatal); unknown {
			logger.Error("replayed value has an unknown serialized type", slog.String("type_tag", tag))
			return nil, nil
		}
		return nil, r.failRun(ctx, snap.Run, wctx.fatal, fatalKind(wctx.fatal), "")
	case wctx.suspended:
		return r.suspend(ctx, snap, wctx, logger)
	case runErr != nil:
		return nil, r.failRun(ctx, snap.Run, runErr, "", stack)
	}

	output, err := r.serde.Encode(out)
	if err != nil {
		return nil, r.failRun(ctx, snap.Run, err, string(durable.KindSerialization), "")
	}
	return nil, r.completeRun(ctx, snap.Run, output)
}

// advance moves a pending run to running and completes due sleeps before
// the replay sees the log.
func (r *Runner) advance(ctx context.Context, snap *world.Snapshot, logger *slog.Logger) (*world.Snapshot, error) {
	changed := false
	run := snap.Run

	if run.Status == world.RunPending {
		res, err := r.append(ctx, run.ID, world.EventRunStarted, "", struct{}{})
		if err != nil && !errors.Is(err, durable.ErrInvalidTransition) {
			return nil, err
		}
		if err == nil {
			r.exts.EmitRunStarted(ctx, res.Run)
			logger.Debug("run started", slog.String("workflow", run.WorkflowName))
		}
		changed = true
	}

	now := r.now()
	for _, w := range snap.PendingWaits() {
		if w.ResumeAt.After(now) {
			continue
		}
		_, err := r.append(ctx, run.ID, world.EventSleepCompleted, w.ID, struct{}{})
		if err != nil && !errors.Is(err, durable.ErrDuplicateEvent) {
			return nil, err
		}
		changed = true
	}

	if !changed {
		return snap, nil
	}
	next, err := r.Load(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if next.Run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", durable.ErrRunTerminal, run.ID)
	}
	return next, nil
}

// suspend writes the calls a replay issued, dispatches steps that have not
// been sent yet and schedules the earliest timer.
func (r *Runner) suspend(ctx context.Context, snap *world.Snapshot, wctx *Context, logger *slog.Logger) (*queue.Continuation, error) {
	run := snap.Run
	for _, data := range wctx.pending {
		if data.Type == world.EventHookCreated {
			owner, err := r.hookTokenOwner(ctx, data)
			if err != nil {
				return nil, err
			}
			if owner != "" {
				conflict := fmt.Errorf("%w: held by %s", durable.ErrHookTokenConflict, owner)
				return nil, r.failRun(ctx, run, conflict, "hook-conflict", "")
			}
		}
		_, err := r.world.CreateEvent(ctx, run.ID, data, world.CreateEventOptions{})
		if errors.Is(err, durable.ErrHookTokenConflict) {
			// Another run took the token between the check and the append.
			return nil, r.failRun(ctx, run, err, "hook-conflict", "")
		}
		if errors.Is(err, durable.ErrDuplicateEvent) {
			// A concurrent invocation claimed the position first.
			logger.Debug("call position already claimed", slog.String("type", string(data.Type)))
			break
		}
		if err != nil {
			return nil, ignoreTerminal(err)
		}
	}

	if len(wctx.pending) > 0 {
		var err error
		if snap, err = r.Load(ctx, run.ID); err != nil {
			return nil, err
		}
	}

	// Keyed by step ID, so steps already sent are not sent again.
	for _, st := range snap.PendingSteps() {
		if st.Status != world.StepPending {
			continue
		}
		if _, err := r.scheduler.EnqueueStep(ctx, st, st.ID); err != nil {
			return nil, fmt.Errorf("workflow: dispatch step %s: %w", st.ID, err)
		}
	}

	waits := snap.PendingWaits()
	if len(waits) == 0 {
		logger.Debug("run suspended", slog.Int("outstanding", snap.Outstanding()))
		return nil, nil
	}
	earliest := waits[0]
	for _, w := range waits[1:] {
		if w.ResumeAt.Before(earliest.ResumeAt) {
			earliest = w
		}
	}
	delay := backoff.Seconds(earliest.ResumeAt.Sub(r.now()))
	logger.Debug("run sleeping", slog.Time("resume_at", earliest.ResumeAt), slog.Int("delay_seconds", delay))
	// Wakes while the sleep is pending share the timer hop already queued.
	return &queue.Continuation{TimeoutSeconds: delay, Key: queue.TimerKey(earliest.ID, delay)}, nil
}

// hookTokenOwner returns the ID of another hook already holding the token
// of a hook_created event, or "" when the token is free.
func (r *Runner) hookTokenOwner(ctx context.Context, data *world.EventData) (string, error) {
	var p world.HookCreatedPayload
	if err := (&world.Event{Payload: data.Payload}).DecodePayload(&p); err != nil {
		return "", err
	}
	existing, err := r.world.GetHookByToken(ctx, p.Token)
	if errors.Is(err, durable.ErrHookNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if existing.ID == data.CorrelationID {
		return "", nil
	}
	return existing.ID, nil
}

func (r *Runner) completeRun(ctx context.Context, run *world.Run, output []byte) error {
	res, err := r.append(ctx, run.ID, world.EventRunCompleted, "", world.RunCompletedPayload{Output: output})
	if err != nil {
		return ignoreTerminal(err)
	}
	r.logger.Info("run completed",
		slog.String("run_id", run.ID),
		slog.String("workflow", run.WorkflowName),
	)
	r.exts.EmitRunCompleted(ctx, res.Run, elapsed(res.Run))
	return nil
}

func (r *Runner) failRun(ctx context.Context, run *world.Run, cause error, kind, stack string) error {
	info := world.NewErrorInfo(cause, kind)
	info.Stack = stack
	res, err := r.append(ctx, run.ID, world.EventRunFailed, "", world.RunFailedPayload{Error: info})
	if err != nil {
		return ignoreTerminal(err)
	}
	r.logger.Warn("run failed",
		slog.String("run_id", run.ID),
		slog.String("workflow", run.WorkflowName),
		slog.String("error", cause.Error()),
	)
	r.exts.EmitRunFailed(ctx, res.Run, cause)
	return nil
}

func (r *Runner) append(ctx context.Context, runID string, typ world.EventType, correlationID string, payload any) (*world.EventResult, error) {
	data, err := world.NewEventData(typ, correlationID, payload)
	if err != nil {
		return nil, err
	}
	return r.world.CreateEvent(ctx, runID, data, world.CreateEventOptions{})
}

// execute runs one replay, turning panics into errors with a stack.
func execute(ctx *Context, body Body) (out any, stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
			stack = string(debug.Stack())
		}
	}()
	out, err = body(ctx)
	return out, "", err
}

func fatalKind(err error) string {
	var re *durable.RuntimeError
	if errors.As(err, &re) {
		return string(re.Kind)
	}
	var se *serde.Error
	if errors.As(err, &se) {
		return string(durable.KindSerialization)
	}
	return ""
}

func elapsed(run *world.Run) time.Duration {
	if run.StartedAt == nil || run.CompletedAt == nil {
		return 0
	}
	return run.CompletedAt.Sub(*run.StartedAt)
}

// ignoreTerminal acknowledges work on runs that ended concurrently.
func ignoreTerminal(err error) error {
	if errors.Is(err, durable.ErrRunTerminal) {
		return nil
	}
	return err
}
