package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/queue"
	"github.com/xraph/durable/serde"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/world"
)

// ErrSuspended is returned by Call, Future.Get, Sleep and Receive when the
// result is not available yet. Workflow code must return it unchanged.
var ErrSuspended = errors.New("workflow: invocation suspended")

// StepError reports that a step failed after exhausting its attempts.
type StepError struct {
	StepName string
	StepID   string
	Info     *world.ErrorInfo
}

func (e *StepError) Error() string {
	msg := "unknown error"
	if e.Info != nil {
		msg = e.Info.Message
	}
	return fmt.Sprintf("step %s failed: %s", e.StepName, msg)
}

// Context is the replay context handed to workflow code. It is only valid
// during the invocation that created it and must not be shared between
// goroutines.
type Context struct {
	ctx    context.Context
	snap   *world.Snapshot
	serde  *serde.Registry
	logger *slog.Logger
	clock  func() time.Time

	position int
	pending  []*world.EventData
	now      time.Time

	suspended bool
	fatal     error
}

func newContext(ctx context.Context, snap *world.Snapshot, sd *serde.Registry, logger *slog.Logger, clock func() time.Time) *Context {
	c := &Context{
		ctx:    ctx,
		snap:   snap,
		serde:  sd,
		logger: logger,
		clock:  clock,
		now:    snap.Run.CreatedAt,
	}
	if snap.Run.StartedAt != nil {
		c.now = *snap.Run.StartedAt
	}
	return c
}

// Context returns the invocation's context.Context. Workflow code should
// only use it for cancellation.
func (c *Context) Context() context.Context { return c.ctx }

// RunID returns the ID of the run being replayed.
func (c *Context) RunID() string { return c.snap.Run.ID }

// WorkflowName returns the name of the workflow being replayed.
func (c *Context) WorkflowName() string { return c.snap.Run.WorkflowName }

// Now returns the deterministic workflow clock: the run's start time,
// advanced to the settle time of each call as the replay resolves it. Every
// replay observes the same sequence of values.
func (c *Context) Now() time.Time { return c.now }

func (c *Context) advanceClock(at *time.Time) {
	if at != nil && at.After(c.now) {
		c.now = *at
	}
}

// Logger returns a logger annotated with the run ID.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Suspended reports whether the invocation has hit an unresolved call.
func (c *Context) Suspended() bool { return c.suspended }

func (c *Context) suspend() error {
	c.suspended = true
	return ErrSuspended
}

// abort records a fatal replay error. The first one wins.
func (c *Context) abort(err error) error {
	if c.fatal == nil {
		c.fatal = err
	}
	return c.fatal
}

// claim takes the next position for a call of kind and name. It returns
// the recorded call when the position was already reached by an earlier
// invocation, or nil for a new call.
func (c *Context) claim(kind world.EventType, name string) (*world.Call, int, error) {
	if c.fatal != nil {
		return nil, 0, c.fatal
	}
	if c.suspended {
		return nil, 0, ErrSuspended
	}
	pos := c.position
	c.position++

	call, ok := c.snap.CallAt(pos)
	if !ok {
		return nil, pos, nil
	}
	if call.Type != kind || call.Name != name {
		return nil, pos, c.abort(durable.NewRuntimeError(durable.KindNonDeterminism,
			"position %d replayed as %s but the run recorded %s",
			pos, describeCall(kind, name), describeCall(call.Type, call.Name)))
	}
	return call, pos, nil
}

func describeCall(kind world.EventType, name string) string {
	switch kind {
	case world.EventStepDispatched:
		return fmt.Sprintf("step %q", name)
	case world.EventSleepStarted:
		return "sleep"
	case world.EventHookCreated:
		return "hook"
	}
	return string(kind)
}

func (c *Context) record(typ world.EventType, correlationID string, payload any) error {
	data, err := world.NewEventData(typ, correlationID, payload)
	if err != nil {
		return c.abort(err)
	}
	c.pending = append(c.pending, data)
	return nil
}

// decode decodes a recorded value into dst, aborting the invocation when
// the value cannot be rehydrated.
func (c *Context) decode(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := c.serde.DecodeInto(raw, dst); err != nil {
		return c.abort(err)
	}
	return nil
}

// Future is the pending result of a step started with Go.
type Future[R any] struct {
	ctx    *Context
	name   string
	stepID string
	err    error
}

// Go dispatches a step without waiting for its result.
func Go[A, R any](ctx *Context, def *step.Def[A, R], arg A) *Future[R] {
	name := def.StepName()
	f := &Future[R]{ctx: ctx, name: name}

	call, pos, err := ctx.claim(world.EventStepDispatched, name)
	if err != nil {
		f.err = err
		return f
	}
	if call != nil {
		f.stepID = call.ID
		return f
	}

	queueName, err := queue.StepQueue(name)
	if err != nil {
		f.err = ctx.abort(err)
		return f
	}
	input, err := ctx.serde.Encode(arg)
	if err != nil {
		f.err = ctx.abort(err)
		return f
	}
	f.stepID = id.NewStepID().String()
	f.err = ctx.record(world.EventStepDispatched, f.stepID, world.StepDispatchedPayload{
		Name:         name,
		Position:     pos,
		QueueName:    queueName,
		DeploymentID: ctx.snap.Run.DeploymentID,
		Input:        input,
		MaxRetries:   def.MaxRetries(),
	})
	return f
}

// Get returns the step's result, suspending the invocation while the step
// has not settled. A failed step yields a *StepError.
func (f *Future[R]) Get() (R, error) {
	var zero R
	if f.err != nil {
		return zero, f.err
	}
	c := f.ctx
	if c.fatal != nil {
		return zero, c.fatal
	}
	if c.suspended {
		return zero, ErrSuspended
	}

	st := c.snap.Steps[f.stepID]
	if st == nil {
		return zero, c.suspend()
	}
	switch st.Status {
	case world.StepCompleted:
		c.advanceClock(st.CompletedAt)
		var out R
		if err := c.decode(st.Output, &out); err != nil {
			return zero, err
		}
		return out, nil
	case world.StepFailed:
		c.advanceClock(st.CompletedAt)
		return zero, &StepError{StepName: st.Name, StepID: st.ID, Info: st.Error}
	}
	return zero, c.suspend()
}

// StepID returns the ID of the dispatched step.
func (f *Future[R]) StepID() string { return f.stepID }

// Call runs a step and waits for its result.
func Call[A, R any](ctx *Context, def *step.Def[A, R], arg A) (R, error) {
	return Go(ctx, def, arg).Get()
}

// Sleep suspends the workflow for d. The timer is durable: it survives
// restarts and is driven by delayed queue messages.
func (c *Context) Sleep(d time.Duration) error {
	call, pos, err := c.claim(world.EventSleepStarted, "")
	if err != nil {
		return err
	}
	if call == nil {
		waitID := id.NewWaitID().String()
		resumeAt := c.clock().Add(d).UTC()
		if err := c.record(world.EventSleepStarted, waitID, world.SleepStartedPayload{
			Position: pos,
			ResumeAt: resumeAt,
		}); err != nil {
			return err
		}
		return c.suspend()
	}
	if w := c.snap.Waits[call.ID]; w != nil && w.Completed {
		c.advanceClock(w.CompletedAt)
		return nil
	}
	return c.suspend()
}

// Hook is a suspension point that external code resumes by token.
type Hook struct {
	ID    string
	Token string
}

// HookOption configures CreateHook.
type HookOption func(*hookOptions)

type hookOptions struct {
	token    string
	metadata any
}

// WithToken uses token instead of a random one. Tokens must be unique
// across runs.
func WithToken(token string) HookOption {
	return func(o *hookOptions) { o.token = token }
}

// WithMetadata attaches serializable metadata to the hook.
func WithMetadata(v any) HookOption {
	return func(o *hookOptions) { o.metadata = v }
}

// tokenBytes is the entropy of generated hook tokens.
const tokenBytes = 32

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateHook registers a hook. It does not suspend; use Receive to wait
// for the payload.
func (c *Context) CreateHook(opts ...HookOption) (*Hook, error) {
	call, pos, err := c.claim(world.EventHookCreated, "")
	if err != nil {
		return nil, err
	}
	if call != nil {
		h := c.snap.Hooks[call.ID]
		return &Hook{ID: h.ID, Token: h.Token}, nil
	}

	var o hookOptions
	for _, opt := range opts {
		opt(&o)
	}
	token := o.token
	if token == "" {
		if token, err = newToken(); err != nil {
			return nil, c.abort(fmt.Errorf("workflow: generate hook token: %w", err))
		}
	}
	var metadata []byte
	if o.metadata != nil {
		if metadata, err = c.serde.Encode(o.metadata); err != nil {
			return nil, c.abort(err)
		}
	}

	hookID := id.NewHookID().String()
	if err := c.record(world.EventHookCreated, hookID, world.HookCreatedPayload{
		Position: pos,
		Token:    token,
		Metadata: metadata,
	}); err != nil {
		return nil, err
	}
	return &Hook{ID: hookID, Token: token}, nil
}

// Receive waits for the hook's payload and decodes it as T.
func Receive[T any](ctx *Context, h *Hook) (T, error) {
	var zero T
	if ctx.fatal != nil {
		return zero, ctx.fatal
	}
	if ctx.suspended {
		return zero, ErrSuspended
	}
	hook := ctx.snap.Hooks[h.ID]
	if hook == nil || !hook.Resumed {
		return zero, ctx.suspend()
	}
	ctx.advanceClock(hook.ResumedAt)
	var out T
	if err := ctx.decode(hook.Payload, &out); err != nil {
		return zero, err
	}
	return out, nil
}
