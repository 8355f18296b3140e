package workflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/durable/workflow"
	"github.com/xraph/durable/world"
)

func TestContext_NowIsStableAcrossReplays(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))

	var before, after []time.Time
	require.NoError(t, h.workflows.Register(workflow.Define("clock", func(ctx *workflow.Context, _ string) (string, error) {
		before = append(before, ctx.Now())
		if _, err := workflow.Call(ctx, echo, "tick"); err != nil {
			return "", err
		}
		after = append(after, ctx.Now())
		return "", nil
	})))

	runID := h.start(t, "clock", "")
	h.drain(t)

	run := h.run(t, runID)
	require.Equal(t, world.RunCompleted, run.Status)
	require.Len(t, before, 2)
	require.Len(t, after, 1)
	assert.True(t, before[0].Equal(before[1]))
	assert.True(t, before[0].Equal(*run.StartedAt))

	steps, err := h.store.ListSteps(context.Background(), world.StepFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.True(t, after[0].Equal(*steps[0].CompletedAt))
}

func TestContext_CallsAfterSuspendReturnErrSuspended(t *testing.T) {
	h := newHarness(t)
	echo := echoStep()
	require.NoError(t, h.steps.Register(echo))

	var second error
	var suspended bool
	require.NoError(t, h.workflows.Register(workflow.Define("eager", func(ctx *workflow.Context, _ string) (string, error) {
		_, err := workflow.Call(ctx, echo, "one")
		if err == nil {
			return "done", nil
		}
		_, second = workflow.Call(ctx, echo, "two")
		suspended = ctx.Suspended()
		return "", err
	})))

	runID := h.start(t, "eager", "")
	require.Equal(t, 1, h.deliver(t, "__wkf_workflow_", h.sched.Handler(h.runner.HandleInvocation)))

	assert.ErrorIs(t, second, workflow.ErrSuspended)
	assert.True(t, suspended)

	steps, err := h.store.ListSteps(context.Background(), world.StepFilter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, steps, 1, "nothing is recorded after the first suspension")

	h.drain(t)
	assert.Equal(t, world.RunCompleted, h.run(t, runID).Status)
}

func TestContext_GeneratedHookTokensAreUnique(t *testing.T) {
	h := newHarness(t)
	var hooks []*workflow.Hook
	require.NoError(t, h.workflows.Register(workflow.Define("tokens", func(ctx *workflow.Context, _ string) (string, error) {
		a, err := ctx.CreateHook()
		if err != nil {
			return "", err
		}
		b, err := ctx.CreateHook()
		if err != nil {
			return "", err
		}
		hooks = append(hooks, a, b)
		return workflow.Receive[string](ctx, a)
	})))

	runID := h.start(t, "tokens", "")
	h.drain(t)

	require.Len(t, hooks, 2)
	assert.NotEqual(t, hooks[0].Token, hooks[1].Token)
	assert.GreaterOrEqual(t, len(hooks[0].Token), 43)

	stored, err := h.store.ListHooks(context.Background(), world.HookFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, hooks[0].Token, stored[0].Token)
	assert.Equal(t, hooks[1].Token, stored[1].Token)
}

func TestContext_MetadataAndIdentity(t *testing.T) {
	h := newHarness(t)
	var gotRunID, gotName string
	require.NoError(t, h.workflows.Register(workflow.Define("identity", func(ctx *workflow.Context, _ string) (string, error) {
		gotRunID = ctx.RunID()
		gotName = ctx.WorkflowName()
		require.NotNil(t, ctx.Logger())
		require.NotNil(t, ctx.Context())
		return "", nil
	})))

	runID := h.start(t, "identity", "")
	h.drain(t)

	assert.Equal(t, runID, gotRunID)
	assert.Equal(t, "identity", gotName)
}

func TestStepError_NilInfo(t *testing.T) {
	err := &workflow.StepError{StepName: "charge"}
	assert.Equal(t, "step charge failed: unknown error", err.Error())

	var target *workflow.StepError
	assert.True(t, errors.As(error(err), &target))
}
