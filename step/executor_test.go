package step_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/queue"
	"github.com/xraph/durable/serde"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/world"
)

const deployment = "dpl_test"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store *memory.Store
	reg   *step.Registry
	sd    *serde.Registry
	exec  *step.Executor
	clock *testClock
}

func newHarness(t *testing.T, opts ...step.ExecutorOption) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	sched := queue.NewScheduler(s, durable.Config{DeploymentID: deployment})
	reg := step.NewRegistry()
	sd := serde.NewRegistry()

	all := append([]step.ExecutorOption{
		step.WithClock(clock.Now),
		step.WithBackoff(backoff.Constant{Interval: 10 * time.Second}),
	}, opts...)
	return &harness{
		store: s,
		reg:   reg,
		sd:    sd,
		exec:  step.NewExecutor(s, sched, reg, sd, all...),
		clock: clock,
	}
}

// dispatch creates a started run with one dispatched step and returns the
// step's queue message.
func (h *harness) dispatch(t *testing.T, name string, arg any, maxRetries int) *world.Message {
	t.Helper()
	runID := id.NewRunID().String()
	stepID := id.NewStepID().String()

	input, err := h.sd.Encode(arg)
	require.NoError(t, err)
	queueName, err := queue.StepQueue(name)
	require.NoError(t, err)

	h.append(t, runID, world.EventRunCreated, "", world.RunCreatedPayload{WorkflowName: "checkout", DeploymentID: deployment})
	h.append(t, runID, world.EventRunStarted, "", struct{}{})
	h.append(t, runID, world.EventStepDispatched, stepID, world.StepDispatchedPayload{
		Name:         name,
		QueueName:    queueName,
		DeploymentID: deployment,
		Input:        input,
		MaxRetries:   maxRetries,
	})

	payload := []byte(`{"runId":"` + runID + `","stepId":"` + stepID + `"}`)
	return &world.Message{ID: id.NewMessageID().String(), QueueName: queueName, Payload: payload, DeploymentID: deployment}
}

func (h *harness) append(t *testing.T, runID string, typ world.EventType, correlationID string, payload any) {
	t.Helper()
	data, err := world.NewEventData(typ, correlationID, payload)
	require.NoError(t, err)
	_, err = h.store.CreateEvent(context.Background(), runID, data, world.CreateEventOptions{})
	require.NoError(t, err)
}

func (h *harness) step(t *testing.T, msg *world.Message) *world.Step {
	t.Helper()
	inv, err := queue.DecodeStepInvocation(msg.Payload)
	require.NoError(t, err)
	st, err := h.store.GetStep(context.Background(), inv.RunID, inv.StepID)
	require.NoError(t, err)
	return st
}

func (h *harness) eventTypes(t *testing.T, msg *world.Message) []world.EventType {
	t.Helper()
	inv, err := queue.DecodeStepInvocation(msg.Payload)
	require.NoError(t, err)
	events, err := h.store.ListEvents(context.Background(), world.EventFilter{RunID: inv.RunID})
	require.NoError(t, err)
	types := make([]world.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func (h *harness) wakeups(t *testing.T) []*world.Message {
	t.Helper()
	var out []*world.Message
	for _, m := range h.store.Messages() {
		if strings.HasPrefix(m.QueueName, queue.WorkflowPrefix) {
			out = append(out, m)
		}
	}
	return out
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestHandle_CompletesAndWakesWorkflow(t *testing.T) {
	h := newHarness(t)
	charge := step.Define("charge", func(_ context.Context, order string) (int, error) {
		return len(order) * 100, nil
	})
	require.NoError(t, h.reg.Register(charge))

	msg := h.dispatch(t, "charge", "order-1", step.DefaultMaxRetries)
	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, cont)

	st := h.step(t, msg)
	assert.Equal(t, world.StepCompleted, st.Status)
	assert.Equal(t, 1, st.Attempt)
	out, err := serde.DecodeAs[int](h.sd, st.Output)
	require.NoError(t, err)
	assert.Equal(t, 700, out)

	assert.Equal(t, []world.EventType{
		world.EventRunCreated, world.EventRunStarted, world.EventStepDispatched,
		world.EventStepStarted, world.EventStepCompleted,
	}, h.eventTypes(t, msg))

	wake := h.wakeups(t)
	require.Len(t, wake, 1)
	assert.Equal(t, "__wkf_workflow_checkout", wake[0].QueueName)
	assert.Equal(t, st.ID+":settled", wake[0].IdempotencyKey)
}

func TestHandle_RedeliveryOfSettledStepOnlyWakes(t *testing.T) {
	h := newHarness(t)
	var calls int
	require.NoError(t, h.reg.Register(step.Define("charge", func(context.Context, string) (string, error) {
		calls++
		return "ok", nil
	})))

	msg := h.dispatch(t, "charge", "order-1", 0)
	_, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	_, err = h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Len(t, h.wakeups(t), 1, "the settle wake-up is sent once")
}

func TestHandle_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	var attempts int
	require.NoError(t, h.reg.Register(step.Define("flaky", func(context.Context, string) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("gateway timeout")
		}
		return "charged", nil
	})))

	msg := h.dispatch(t, "flaky", "order-1", 3)
	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, 10, cont.TimeoutSeconds)

	st := h.step(t, msg)
	assert.Equal(t, world.StepRetrying, st.Status)
	require.NotNil(t, st.RetryAfter)
	assert.Equal(t, h.clock.Now().Add(10*time.Second), st.RetryAfter.UTC())
	assert.Equal(t, "gateway timeout", st.Error.Message)
	assert.Empty(t, h.wakeups(t))

	// Early redelivery keeps waiting without running the step.
	h.clock.Advance(4 * time.Second)
	cont, err = h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, 6, cont.TimeoutSeconds)
	assert.Equal(t, 1, attempts)

	h.clock.Advance(6 * time.Second)
	cont, err = h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, cont)

	st = h.step(t, msg)
	assert.Equal(t, world.StepCompleted, st.Status)
	assert.Equal(t, 2, st.Attempt)
	assert.Contains(t, h.eventTypes(t, msg), world.EventStepRetrying)
	assert.Len(t, h.wakeups(t), 1)
}

func TestHandle_RetryAfterOverridesBackoff(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(step.Define("limited", func(context.Context, string) (string, error) {
		return "", step.RetryAfter(errors.New("rate limited"), 90*time.Second)
	})))

	msg := h.dispatch(t, "limited", "order-1", 3)
	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, cont)
	assert.Equal(t, 90, cont.TimeoutSeconds)
}

func TestHandle_FatalErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	var attempts int
	require.NoError(t, h.reg.Register(step.Define("charge", func(context.Context, string) (string, error) {
		attempts++
		return "", step.Fatal(errors.New("card declined"))
	})))

	msg := h.dispatch(t, "charge", "order-1", 5)
	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, cont)

	st := h.step(t, msg)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, world.StepFailed, st.Status)
	assert.Equal(t, "card declined", st.Error.Message)
	assert.Len(t, h.wakeups(t), 1)
}

func TestHandle_ExhaustedRetriesFailStep(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(step.Define("broken", func(context.Context, string) (string, error) {
		return "", errors.New("boom")
	}, step.WithMaxRetries(1))))

	msg := h.dispatch(t, "broken", "order-1", 1)
	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, cont)

	h.clock.Advance(time.Duration(cont.TimeoutSeconds) * time.Second)
	cont, err = h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, cont)

	st := h.step(t, msg)
	assert.Equal(t, world.StepFailed, st.Status)
	assert.Equal(t, 2, st.Attempt)
	assert.Len(t, h.wakeups(t), 1)
}

func TestHandle_PanicIsAFailedAttempt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(step.Define("explode", func(context.Context, string) (string, error) {
		panic("nil map")
	}, step.WithMaxRetries(0))))

	msg := h.dispatch(t, "explode", "order-1", 0)
	_, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)

	st := h.step(t, msg)
	assert.Equal(t, world.StepFailed, st.Status)
	assert.Contains(t, st.Error.Message, "step panicked: nil map")
}

func TestHandle_UnregisteredStepFails(t *testing.T) {
	h := newHarness(t)

	msg := h.dispatch(t, "missing", "order-1", 3)
	_, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)

	st := h.step(t, msg)
	assert.Equal(t, world.StepFailed, st.Status)
	assert.Equal(t, string(durable.KindStepNotFound), st.Error.Kind)
	assert.Len(t, h.wakeups(t), 1)
}

func TestHandle_SkipsTerminalRun(t *testing.T) {
	h := newHarness(t)
	var calls int
	require.NoError(t, h.reg.Register(step.Define("charge", func(context.Context, string) (string, error) {
		calls++
		return "ok", nil
	})))

	msg := h.dispatch(t, "charge", "order-1", 0)
	inv, err := queue.DecodeStepInvocation(msg.Payload)
	require.NoError(t, err)
	h.append(t, inv.RunID, world.EventRunCancelled, "", world.RunCancelledPayload{Reason: "test"})

	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, cont)
	assert.Zero(t, calls)
}

func TestHandle_CancelWhileRunningDiscardsResult(t *testing.T) {
	tests := []struct {
		name   string
		result error
	}{
		{name: "completed", result: nil},
		{name: "retrying", result: errors.New("card declined")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			var cancelRun func()
			require.NoError(t, h.reg.Register(step.Define("charge", func(context.Context, string) (string, error) {
				cancelRun()
				return "charged", tt.result
			})))

			msg := h.dispatch(t, "charge", "order-1", step.DefaultMaxRetries)
			inv, err := queue.DecodeStepInvocation(msg.Payload)
			require.NoError(t, err)
			cancelRun = func() {
				h.append(t, inv.RunID, world.EventRunCancelled, "", world.RunCancelledPayload{Reason: "cancelled by client"})
			}

			cont, err := h.exec.Handle(context.Background(), msg)
			require.NoError(t, err)
			assert.Nil(t, cont)

			run, err := h.store.GetRun(context.Background(), inv.RunID)
			require.NoError(t, err)
			assert.Equal(t, world.RunCancelled, run.Status)
			assert.Equal(t, []world.EventType{
				world.EventRunCreated, world.EventRunStarted, world.EventStepDispatched,
				world.EventStepStarted, world.EventRunCancelled,
			}, h.eventTypes(t, msg))
			assert.Empty(t, h.wakeups(t))
		})
	}
}

func TestHandle_DropsMalformedPayload(t *testing.T) {
	h := newHarness(t)
	cont, err := h.exec.Handle(context.Background(), &world.Message{ID: "msg_1", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Nil(t, cont)
}

type stepRecorder struct {
	mu        sync.Mutex
	completed []string
	retrying  []int
	failed    []error
}

func (r *stepRecorder) Name() string { return "recorder" }

func (r *stepRecorder) OnStepCompleted(_ context.Context, s *world.Step, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, s.Name)
	return nil
}

func (r *stepRecorder) OnStepRetrying(_ context.Context, _ *world.Step, attempt int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrying = append(r.retrying, attempt)
	return nil
}

func (r *stepRecorder) OnStepFailed(_ context.Context, _ *world.Step, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
	return nil
}

func TestHandle_EmitsLifecycleHooks(t *testing.T) {
	rec := &stepRecorder{}
	exts := ext.NewRegistry(nil)
	exts.Register(rec)
	h := newHarness(t, step.WithExtensions(exts))

	var attempts int
	require.NoError(t, h.reg.Register(step.Define("flaky", func(context.Context, string) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("try again")
		}
		return "ok", nil
	})))

	msg := h.dispatch(t, "flaky", "order-1", 3)
	cont, err := h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)
	h.clock.Advance(time.Duration(cont.TimeoutSeconds) * time.Second)
	_, err = h.exec.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, rec.retrying)
	assert.Equal(t, []string{"flaky"}, rec.completed)
}

func TestHandle_ExhaustionIsReportedToExtensions(t *testing.T) {
	rec := &stepRecorder{}
	exts := ext.NewRegistry(nil)
	exts.Register(rec)
	h := newHarness(t, step.WithExtensions(exts))

	cause := errors.New("card declined")
	require.NoError(t, h.reg.Register(step.Define("charge", func(context.Context, string) (string, error) {
		return "", cause
	}, step.WithMaxRetries(0))))
	require.NoError(t, h.reg.Register(step.Define("refund", func(context.Context, string) (string, error) {
		return "", step.Fatal(cause)
	})))

	_, err := h.exec.Handle(context.Background(), h.dispatch(t, "charge", "order-1", 0))
	require.NoError(t, err)
	_, err = h.exec.Handle(context.Background(), h.dispatch(t, "refund", "order-2", 3))
	require.NoError(t, err)

	require.Len(t, rec.failed, 2)
	assert.ErrorIs(t, rec.failed[0], durable.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, rec.failed[0], cause)
	assert.NotErrorIs(t, rec.failed[1], durable.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, rec.failed[1], cause)
}
