package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/queue"
	"github.com/xraph/durable/serde"
	"github.com/xraph/durable/step"
	"github.com/xraph/durable/store/memory"
	"github.com/xraph/durable/workflow"
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

// harness wires a runner and a step executor to an in-memory world and
// delivers queued messages synchronously.
type harness struct {
	store     *memory.Store
	sched     *queue.Scheduler
	sd        *serde.Registry
	steps     *step.Registry
	workflows *workflow.Registry
	runner    *workflow.Runner
	exec      *step.Executor
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	sched := queue.NewScheduler(s, durable.Config{DeploymentID: deployment})
	sd := serde.NewRegistry()
	steps := step.NewRegistry()
	workflows := workflow.NewRegistry()
	return &harness{
		store:     s,
		sched:     sched,
		sd:        sd,
		steps:     steps,
		workflows: workflows,
		runner:    workflow.NewRunner(s, sched, workflows, sd, workflow.WithClock(clock.Now)),
		exec: step.NewExecutor(s, sched, steps, sd,
			step.WithClock(clock.Now),
			step.WithBackoff(backoff.Constant{Interval: 5 * time.Second}),
		),
		clock: clock,
	}
}

// start records run_created for name and sends the first invocation.
func (h *harness) start(t *testing.T, name string, input any) string {
	t.Helper()
	ctx := context.Background()
	runID := id.NewRunID().String()
	raw, err := h.sd.Encode(input)
	require.NoError(t, err)

	data, err := world.NewEventData(world.EventRunCreated, "", world.RunCreatedPayload{
		WorkflowName: name,
		DeploymentID: deployment,
		Input:        raw,
	})
	require.NoError(t, err)
	res, err := h.store.CreateEvent(ctx, runID, data, world.CreateEventOptions{})
	require.NoError(t, err)
	_, err = h.sched.EnqueueWorkflow(ctx, res.Run, runID, 0)
	require.NoError(t, err)
	return runID
}

// drain delivers every visible message until both queues are idle.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	onWorkflow := h.sched.Handler(h.runner.HandleInvocation)
	onStep := h.sched.Handler(h.exec.Handle)
	for range 100 {
		n := h.deliver(t, queue.WorkflowPrefix, onWorkflow) + h.deliver(t, queue.StepPrefix, onStep)
		if n == 0 {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (h *harness) deliver(t *testing.T, prefix string, handler world.MessageHandler) int {
	t.Helper()
	ctx := context.Background()
	msgs, err := h.store.Receive(ctx, prefix, deployment, 0, time.Minute)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, handler(ctx, m))
		require.NoError(t, h.store.Ack(ctx, m))
	}
	return len(msgs)
}

func (h *harness) run(t *testing.T, runID string) *world.Run {
	t.Helper()
	r, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return r
}

func (h *harness) resumeHook(t *testing.T, token string, payload any) {
	t.Helper()
	ctx := context.Background()
	hook, err := h.store.GetHookByToken(ctx, token)
	require.NoError(t, err)
	raw, err := h.sd.Encode(payload)
	require.NoError(t, err)
	data, err := world.NewEventData(world.EventHookResumed, hook.ID, world.HookResumedPayload{Payload: raw})
	require.NoError(t, err)
	res, err := h.store.CreateEvent(ctx, hook.RunID, data, world.CreateEventOptions{})
	require.NoError(t, err)
	_, err = h.sched.EnqueueWorkflow(ctx, res.Run, hook.ID+":resumed", 0)
	require.NoError(t, err)
}

func output[T any](t *testing.T, h *harness, run *world.Run) T {
	t.Helper()
	out, err := serde.DecodeAs[T](h.sd, run.Output)
	require.NoError(t, err)
	return out
}

func echoStep() *step.Def[string, string] {
	return step.Define("echo", func(_ context.Context, s string) (string, error) {
		return "echo:" + s, nil
	})
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRunner_CompletesWorkflowWithSteps(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))
	require.NoError(t, h.workflows.Register(workflow.Define("greet", func(ctx *workflow.Context, name string) (string, error) {
		first, err := workflow.Call(ctx, echo, name)
		if err != nil {
			return "", err
		}
		return workflow.Call(ctx, echo, first)
	})))

	runID := h.start(t, "greet", "ada")
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status, "run error: %v", run.Error)
	assert.Equal(t, "echo:echo:ada", output[string](t, h, run))
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)

	steps, err := h.store.ListSteps(context.Background(), world.StepFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Position)
	assert.Equal(t, 1, steps[1].Position)
	assert.Empty(t, h.store.Messages())
}

func TestRunner_FuturesDispatchTogether(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))
	require.NoError(t, h.workflows.Register(workflow.Define("fanout", func(ctx *workflow.Context, _ string) ([]string, error) {
		a := workflow.Go(ctx, echo, "a")
		b := workflow.Go(ctx, echo, "b")
		ra, err := a.Get()
		if err != nil {
			return nil, err
		}
		rb, err := b.Get()
		if err != nil {
			return nil, err
		}
		return []string{ra, rb}, nil
	})))

	runID := h.start(t, "fanout", "")
	ctx := context.Background()

	// First delivery only: both steps are recorded before either runs.
	require.Equal(t, 1, h.deliver(t, queue.WorkflowPrefix, h.sched.Handler(h.runner.HandleInvocation)))
	steps, err := h.store.ListSteps(ctx, world.StepFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, world.RunSuspended, h.run(t, runID).Status)

	h.drain(t)
	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status)
	assert.Equal(t, []string{"echo:a", "echo:b"}, output[[]string](t, h, run))
}

func TestRunner_StepFailureSurfacesAsStepError(t *testing.T) {
	h := newHarness(t)
	charge := step.Define("charge", func(context.Context, int) (string, error) {
		return "", step.Fatal(errors.New("card declined"))
	})
	require.NoError(t, h.steps.Register(charge))

	var stepErr *workflow.StepError
	require.NoError(t, h.workflows.Register(workflow.Define("checkout", func(ctx *workflow.Context, amount int) (string, error) {
		_, err := workflow.Call(ctx, charge, amount)
		if errors.As(err, &stepErr) {
			return "refused", nil
		}
		return "charged", err
	})))

	runID := h.start(t, "checkout", 4200)
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status)
	assert.Equal(t, "refused", output[string](t, h, run))
	require.NotNil(t, stepErr)
	assert.Equal(t, "charge", stepErr.StepName)
	assert.Equal(t, "step charge failed: card declined", stepErr.Error())
}

func TestRunner_UnhandledErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("strict", func(*workflow.Context, string) (string, error) {
		return "", errors.New("invalid order")
	})))

	runID := h.start(t, "strict", "x")
	h.drain(t)

	run := h.run(t, runID)
	assert.Equal(t, world.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "invalid order", run.Error.Message)
	assert.Empty(t, run.Error.Stack)
}

func TestRunner_PanicFailsRunWithStack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("fragile", func(*workflow.Context, string) (string, error) {
		var m map[string]int
		m["x"]++
		return "", nil
	})))

	runID := h.start(t, "fragile", "x")
	h.drain(t)

	run := h.run(t, runID)
	assert.Equal(t, world.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, run.Error.Message, "workflow panicked")
	assert.NotEmpty(t, run.Error.Stack)
}

func TestRunner_UnregisteredWorkflowFails(t *testing.T) {
	h := newHarness(t)

	runID := h.start(t, "ghost", "x")
	h.drain(t)

	run := h.run(t, runID)
	assert.Equal(t, world.RunFailed, run.Status)
	assert.Equal(t, string(durable.KindWorkflowNotFound), run.Error.Kind)
	assert.Contains(t, run.Error.Message, `"ghost"`)
}

func TestRunner_NonDeterminismFailsRun(t *testing.T) {
	h := newHarness(t)
	a := step.Define("a", func(_ context.Context, s string) (string, error) { return s, nil })
	b := step.Define("b", func(_ context.Context, s string) (string, error) { return s, nil })
	require.NoError(t, h.steps.Register(a, b))

	var replays int
	require.NoError(t, h.workflows.Register(workflow.Define("drift", func(ctx *workflow.Context, in string) (string, error) {
		replays++
		def := a
		if replays > 1 {
			def = b
		}
		return workflow.Call(ctx, def, in)
	})))

	runID := h.start(t, "drift", "x")
	h.drain(t)

	run := h.run(t, runID)
	assert.Equal(t, world.RunFailed, run.Status)
	assert.Equal(t, string(durable.KindNonDeterminism), run.Error.Kind)
	assert.Contains(t, run.Error.Message, `step "b"`)
}

func TestRunner_SleepResumesAfterTimer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("reminder", func(ctx *workflow.Context, _ string) (string, error) {
		if err := ctx.Sleep(time.Hour); err != nil {
			return "", err
		}
		return "woke", nil
	})))

	runID := h.start(t, "reminder", "")
	h.drain(t)
	assert.Equal(t, world.RunSuspended, h.run(t, runID).Status)

	msgs := h.store.Messages()
	require.Len(t, msgs, 1, "only the delayed continuation is left")
	assert.Equal(t, h.clock.Now().Add(time.Hour), msgs[0].VisibleAt)

	h.clock.Advance(30 * time.Minute)
	h.drain(t)
	assert.Equal(t, world.RunSuspended, h.run(t, runID).Status)

	h.clock.Advance(30 * time.Minute)
	h.drain(t)
	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status)
	assert.Equal(t, "woke", output[string](t, h, run))
}

func TestRunner_LongSleepHopsInClampedDelays(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("patient", func(ctx *workflow.Context, _ string) (string, error) {
		if err := ctx.Sleep(48 * time.Hour); err != nil {
			return "", err
		}
		return "done", nil
	})))

	runID := h.start(t, "patient", "")
	h.drain(t)

	msgs := h.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, h.clock.Now().Add(queue.MaxDelaySeconds*time.Second), msgs[0].VisibleAt)

	for range 3 {
		h.clock.Advance(queue.MaxDelaySeconds * time.Second)
		h.drain(t)
	}
	assert.Equal(t, world.RunCompleted, h.run(t, runID).Status)
}

func TestRunner_WakeDuringSleepSharesTimer(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))
	require.NoError(t, h.workflows.Register(workflow.Define("nap", func(ctx *workflow.Context, name string) (string, error) {
		f := workflow.Go(ctx, echo, name)
		if err := ctx.Sleep(time.Hour); err != nil {
			return "", err
		}
		return f.Get()
	})))

	runID := h.start(t, "nap", "ada")
	h.drain(t)
	assert.Equal(t, world.RunSuspended, h.run(t, runID).Status)

	// The settled step woke the run, which is still sleeping.
	msgs := h.store.Messages()
	require.Len(t, msgs, 1, "one timer message for the pending sleep")
	assert.Equal(t, h.clock.Now().Add(time.Hour), msgs[0].VisibleAt)

	h.clock.Advance(time.Hour)
	h.drain(t)
	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status)
	assert.Equal(t, "echo:ada", output[string](t, h, run))
}

type decision struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
}

func TestRunner_HookResume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("approval", func(ctx *workflow.Context, order string) (string, error) {
		hook, err := ctx.CreateHook(
			workflow.WithToken("approve-"+order),
			workflow.WithMetadata(map[string]string{"order": order}),
		)
		if err != nil {
			return "", err
		}
		d, err := workflow.Receive[decision](ctx, hook)
		if err != nil {
			return "", err
		}
		if !d.Approved {
			return "rejected by " + d.By, nil
		}
		return "approved by " + d.By, nil
	})))

	runID := h.start(t, "approval", "ord-7")
	h.drain(t)
	assert.Equal(t, world.RunSuspended, h.run(t, runID).Status)

	hook, err := h.store.GetHookByToken(context.Background(), "approve-ord-7")
	require.NoError(t, err)
	assert.Equal(t, runID, hook.RunID)
	assert.False(t, hook.Resumed)

	h.resumeHook(t, "approve-ord-7", decision{Approved: true, By: "grace"})
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status)
	assert.Equal(t, "approved by grace", output[string](t, h, run))
}

func TestRunner_HookTokenConflictFailsRun(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("waiter", func(ctx *workflow.Context, _ string) (string, error) {
		hook, err := ctx.CreateHook(workflow.WithToken("shared"))
		if err != nil {
			return "", err
		}
		return workflow.Receive[string](ctx, hook)
	})))

	first := h.start(t, "waiter", "")
	h.drain(t)
	second := h.start(t, "waiter", "")
	h.drain(t)

	assert.Equal(t, world.RunSuspended, h.run(t, first).Status)
	run := h.run(t, second)
	assert.Equal(t, world.RunFailed, run.Status)
	assert.Equal(t, "hook-conflict", run.Error.Kind)
}

// staleTokenIndex misses every hook token, as a lookup racing another run's
// append would.
type staleTokenIndex struct {
	*memory.Store
}

func (staleTokenIndex) GetHookByToken(context.Context, string) (*world.Hook, error) {
	return nil, durable.ErrHookNotFound
}

func TestRunner_HookTokenRaceFailsRun(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("waiter", func(ctx *workflow.Context, _ string) (string, error) {
		hook, err := ctx.CreateHook(workflow.WithToken("shared"))
		if err != nil {
			return "", err
		}
		return workflow.Receive[string](ctx, hook)
	})))

	first := h.start(t, "waiter", "")
	h.drain(t)

	h.runner = workflow.NewRunner(staleTokenIndex{h.store}, h.sched, h.workflows, h.sd, workflow.WithClock(h.clock.Now))
	second := h.start(t, "waiter", "")
	h.drain(t)

	assert.Equal(t, world.RunSuspended, h.run(t, first).Status)
	run := h.run(t, second)
	require.Equal(t, world.RunFailed, run.Status)
	assert.Equal(t, "hook-conflict", run.Error.Kind)

	hooks, err := h.store.ListHooks(context.Background(), world.HookFilter{RunID: second})
	require.NoError(t, err)
	assert.Empty(t, hooks)
}

func TestRunner_UnawaitedCallsAreDiscarded(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))
	require.NoError(t, h.workflows.Register(workflow.Define("fire", func(ctx *workflow.Context, _ string) (string, error) {
		workflow.Go(ctx, echo, "ignored")
		return "returned", nil
	})))

	runID := h.start(t, "fire", "")
	h.drain(t)

	assert.Equal(t, world.RunCompleted, h.run(t, runID).Status)
	steps, err := h.store.ListSteps(context.Background(), world.StepFilter{RunID: runID})
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestRunner_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))
	require.NoError(t, h.workflows.Register(workflow.Define("single", func(ctx *workflow.Context, in string) (string, error) {
		return workflow.Call(ctx, echo, in)
	})))

	runID := h.start(t, "single", "x")
	ctx := context.Background()

	// The same invocation replayed twice records one step and sends it once.
	_, err := h.runner.Resume(ctx, runID)
	require.NoError(t, err)
	_, err = h.runner.Resume(ctx, runID)
	require.NoError(t, err)

	steps, err := h.store.ListSteps(ctx, world.StepFilter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, steps, 1)

	var stepMsgs int
	for _, m := range h.store.Messages() {
		if m.QueueName == "__wkf_step_echo" {
			stepMsgs++
		}
	}
	assert.Equal(t, 1, stepMsgs)
}

func TestRunner_TerminalRunIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.workflows.Register(workflow.Define("noop", func(*workflow.Context, string) (string, error) {
		return "ok", nil
	})))

	runID := h.start(t, "noop", "")
	h.drain(t)
	require.Equal(t, world.RunCompleted, h.run(t, runID).Status)

	cont, err := h.runner.Resume(context.Background(), runID)
	require.NoError(t, err)
	assert.Nil(t, cont)
}

func TestRunner_UnknownRunIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	cont, err := h.runner.Resume(context.Background(), id.NewRunID().String())
	require.NoError(t, err)
	assert.Nil(t, cont)
}
