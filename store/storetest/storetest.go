// Package storetest is a conformance suite every store backend runs from
// its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/store"
	"github.com/xraph/durable/world"
)

// Factory returns a fresh, migrated store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the whole suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Lifecycle", testLifecycle},
		{"CreateRun", testCreateRun},
		{"EventSequence", testEventSequence},
		{"ListEventsByCorrelationID", testListEventsByCorrelationID},
		{"StepLifecycle", testStepLifecycle},
		{"TerminalRunRejectsEvents", testTerminalRunRejectsEvents},
		{"Sleeps", testSleeps},
		{"Hooks", testHooks},
		{"HookTokenUniqueAcrossRuns", testHookTokenUniqueAcrossRuns},
		{"ConcurrentResumeOnce", testConcurrentResumeOnce},
		{"ListRuns", testListRuns},
		{"QueueIdempotency", testQueueIdempotency},
		{"QueueDelivery", testQueueDelivery},
		{"QueueDefer", testQueueDefer},
		{"QueueDelay", testQueueDelay},
		{"QueueRouting", testQueueRouting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func event(t *testing.T, typ world.EventType, correlationID string, payload any) *world.EventData {
	t.Helper()
	data, err := world.NewEventData(typ, correlationID, payload)
	require.NoError(t, err)
	return data
}

func mustAppend(t *testing.T, s store.Store, runID string, data *world.EventData) *world.EventResult {
	t.Helper()
	res, err := s.CreateEvent(context.Background(), runID, data, world.CreateEventOptions{})
	require.NoError(t, err)
	return res
}

func startedRun(t *testing.T, s store.Store, workflow, deployment string) string {
	t.Helper()
	runID := id.NewRunID().String()
	mustAppend(t, s, runID, event(t, world.EventRunCreated, "", world.RunCreatedPayload{
		WorkflowName: workflow,
		DeploymentID: deployment,
		Input:        json.RawMessage(`[1,2]`),
	}))
	mustAppend(t, s, runID, event(t, world.EventRunStarted, "", nil))
	return runID
}

func dispatchStep(t *testing.T, s store.Store, runID string, position int) string {
	t.Helper()
	stepID := id.NewStepID().String()
	mustAppend(t, s, runID, event(t, world.EventStepDispatched, stepID, world.StepDispatchedPayload{
		Name:         "charge",
		Position:     position,
		QueueName:    "__wkf_step_charge",
		DeploymentID: "dpl_1",
		Input:        json.RawMessage(`[42]`),
		MaxRetries:   3,
	}))
	return stepID
}

func createHook(t *testing.T, s store.Store, runID string, position int, token string) (string, error) {
	t.Helper()
	hookID := id.NewHookID().String()
	_, err := s.CreateEvent(context.Background(), runID, event(t, world.EventHookCreated, hookID, world.HookCreatedPayload{
		Position: position,
		Token:    token,
		Metadata: json.RawMessage(`{"channel":"email"}`),
	}), world.CreateEventOptions{})
	return hookID, err
}

// ──────────────────────────────────────────────────
// Runs and events
// ──────────────────────────────────────────────────

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))
}

func testCreateRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := id.NewRunID().String()

	res := mustAppend(t, s, runID, event(t, world.EventRunCreated, "", world.RunCreatedPayload{
		WorkflowName: "checkout",
		DeploymentID: "dpl_1",
		Input:        json.RawMessage(`{"order":7}`),
	}))
	assert.Equal(t, world.RunPending, res.Run.Status)
	assert.EqualValues(t, 1, res.Event.Seq)

	got, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "checkout", got.WorkflowName)
	assert.Equal(t, "dpl_1", got.DeploymentID)
	assert.JSONEq(t, `{"order":7}`, string(got.Input))
	assert.Equal(t, durable.SpecVersionCurrent, got.SpecVersion)

	_, err = s.CreateEvent(ctx, runID, event(t, world.EventRunCreated, "", world.RunCreatedPayload{WorkflowName: "checkout"}), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrRunAlreadyExists)

	_, err = s.GetRun(ctx, id.NewRunID().String())
	assert.ErrorIs(t, err, durable.ErrRunNotFound)

	_, err = s.CreateEvent(ctx, id.NewRunID().String(), event(t, world.EventRunStarted, "", nil), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrRunNotFound)
}

func testEventSequence(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := startedRun(t, s, "checkout", "dpl_1")
	dispatchStep(t, s, runID, 0)
	dispatchStep(t, s, runID, 1)

	all, err := s.ListEvents(ctx, world.EventFilter{RunID: runID})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, ev := range all {
		assert.EqualValues(t, i+1, ev.Seq)
		assert.Equal(t, runID, ev.RunID)
		if i > 0 {
			assert.True(t, !ev.CreatedAt.Before(all[i-1].CreatedAt), "timestamps never go backwards")
		}
	}
	assert.Equal(t, world.EventRunCreated, all[0].Type)

	dispatched, err := s.ListEvents(ctx, world.EventFilter{RunID: runID, Types: []world.EventType{world.EventStepDispatched}})
	require.NoError(t, err)
	assert.Len(t, dispatched, 2)

	after, err := s.ListEvents(ctx, world.EventFilter{RunID: runID, AfterSeq: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.EqualValues(t, 3, after[0].Seq)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, run.LastSeq)
	assert.Equal(t, world.RunSuspended, run.Status)
}

func testListEventsByCorrelationID(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := startedRun(t, s, "checkout", "dpl_1")
	stepID := dispatchStep(t, s, runID, 0)
	dispatchStep(t, s, runID, 1)
	mustAppend(t, s, runID, event(t, world.EventStepStarted, stepID, world.StepStartedPayload{Attempt: 1}))

	evs, err := s.ListEventsByCorrelationID(ctx, stepID, world.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, world.EventStepDispatched, evs[0].Type)
	assert.Equal(t, world.EventStepStarted, evs[1].Type)

	none, err := s.ListEventsByCorrelationID(ctx, "step_missing", world.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testStepLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := startedRun(t, s, "checkout", "dpl_1")
	stepID := dispatchStep(t, s, runID, 0)

	st, err := s.GetStep(ctx, runID, stepID)
	require.NoError(t, err)
	assert.Equal(t, world.StepPending, st.Status)
	assert.Equal(t, "charge", st.Name)
	assert.Equal(t, 3, st.MaxRetries)

	mustAppend(t, s, runID, event(t, world.EventStepStarted, stepID, world.StepStartedPayload{Attempt: 1}))
	retryAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	mustAppend(t, s, runID, event(t, world.EventStepRetrying, stepID, world.StepRetryingPayload{
		Attempt:    1,
		Error:      &world.ErrorInfo{Message: "card declined"},
		RetryAfter: retryAt,
	}))

	st, err = s.GetStep(ctx, runID, stepID)
	require.NoError(t, err)
	assert.Equal(t, world.StepRetrying, st.Status)
	require.NotNil(t, st.RetryAfter)
	assert.True(t, retryAt.Equal(*st.RetryAfter))

	mustAppend(t, s, runID, event(t, world.EventStepStarted, stepID, world.StepStartedPayload{Attempt: 2}))
	mustAppend(t, s, runID, event(t, world.EventStepCompleted, stepID, world.StepCompletedPayload{Output: json.RawMessage(`"ok"`)}))

	st, err = s.GetStep(ctx, runID, stepID)
	require.NoError(t, err)
	assert.Equal(t, world.StepCompleted, st.Status)
	assert.Equal(t, 2, st.Attempt)
	assert.JSONEq(t, `"ok"`, string(st.Output))

	_, err = s.CreateEvent(ctx, runID, event(t, world.EventStepCompleted, stepID, world.StepCompletedPayload{}), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrDuplicateEvent)

	_, err = s.GetStep(ctx, id.NewRunID().String(), stepID)
	assert.ErrorIs(t, err, durable.ErrStepNotFound)

	_, err = s.CreateEvent(ctx, runID, event(t, world.EventStepStarted, "step_missing", world.StepStartedPayload{Attempt: 1}), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrStepNotFound)

	completed, err := s.ListSteps(ctx, world.StepFilter{RunID: runID, Status: world.StepCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, stepID, completed[0].ID)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, world.RunRunning, run.Status)
}

func testTerminalRunRejectsEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := startedRun(t, s, "checkout", "dpl_1")

	res := mustAppend(t, s, runID, event(t, world.EventRunCompleted, "", world.RunCompletedPayload{Output: json.RawMessage(`3`)}))
	assert.Equal(t, world.RunCompleted, res.Run.Status)
	require.NotNil(t, res.Run.CompletedAt)

	for _, data := range []*world.EventData{
		event(t, world.EventRunCancelled, "", world.RunCancelledPayload{Reason: "late"}),
		event(t, world.EventStepDispatched, "step_late", world.StepDispatchedPayload{Name: "charge", Position: 0}),
	} {
		_, err := s.CreateEvent(ctx, runID, data, world.CreateEventOptions{})
		assert.ErrorIs(t, err, durable.ErrRunTerminal, "%s", data.Type)
	}

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, world.RunCompleted, run.Status)
	assert.JSONEq(t, `3`, string(run.Output))
}

func testSleeps(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := startedRun(t, s, "checkout", "dpl_1")
	waitID := id.NewWaitID().String()

	mustAppend(t, s, runID, event(t, world.EventSleepStarted, waitID, world.SleepStartedPayload{
		Position: 0,
		ResumeAt: time.Now().UTC().Add(time.Hour),
	}))
	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, world.RunSuspended, run.Status)

	mustAppend(t, s, runID, event(t, world.EventSleepCompleted, waitID, nil))
	_, err = s.CreateEvent(ctx, runID, event(t, world.EventSleepCompleted, waitID, nil), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrDuplicateEvent)

	_, err = s.CreateEvent(ctx, runID, event(t, world.EventSleepCompleted, "wait_missing", nil), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrWaitNotFound)

	_, err = s.CreateEvent(ctx, runID, event(t, world.EventSleepStarted, id.NewWaitID().String(), world.SleepStartedPayload{Position: 0}), world.CreateEventOptions{})
	assert.ErrorIs(t, err, durable.ErrDuplicateEvent, "position 0 is already claimed")
}

// ──────────────────────────────────────────────────
// Hooks
// ──────────────────────────────────────────────────

func testHooks(t *testing.T, s store.Store) {
	ctx := context.Background()
	runID := startedRun(t, s, "approval", "dpl_1")

	first, err := createHook(t, s, runID, 0, "tok-first")
	require.NoError(t, err)
	second, err := createHook(t, s, runID, 1, "tok-second")
	require.NoError(t, err)

	h, err := s.GetHookByToken(ctx, "tok-first")
	require.NoError(t, err)
	assert.Equal(t, first, h.ID)
	assert.Equal(t, runID, h.RunID)
	assert.JSONEq(t, `{"channel":"email"}`, string(h.Metadata))

	mustAppend(t, s, runID, event(t, world.EventHookResumed, first, world.HookResumedPayload{Payload: json.RawMessage(`{"ok":true}`)}))

	h, err = s.GetHook(ctx, first)
	require.NoError(t, err)
	assert.True(t, h.Resumed)
	require.NotNil(t, h.ResumedAt)
	assert.JSONEq(t, `{"ok":true}`, string(h.Payload))

	pending, err := s.ListHooks(ctx, world.HookFilter{RunID: runID, PendingOnly: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].ID)

	all, err := s.ListHooks(ctx, world.HookFilter{RunID: runID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetHookByToken(ctx, "tok-unknown")
	assert.ErrorIs(t, err, durable.ErrHookNotFound)
	_, err = s.GetHook(ctx, "hook_missing")
	assert.ErrorIs(t, err, durable.ErrHookNotFound)
}

func testHookTokenUniqueAcrossRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := startedRun(t, s, "approval", "dpl_1")
	b := startedRun(t, s, "approval", "dpl_1")

	owner, err := createHook(t, s, a, 0, "tok-shared")
	require.NoError(t, err)

	_, err = createHook(t, s, b, 0, "tok-shared")
	assert.ErrorIs(t, err, durable.ErrHookTokenConflict)
	assert.NotErrorIs(t, err, durable.ErrDuplicateEvent)

	h, err := s.GetHookByToken(ctx, "tok-shared")
	require.NoError(t, err)
	assert.Equal(t, owner, h.ID)
}

func testConcurrentResumeOnce(t *testing.T, s store.Store) {
	runID := startedRun(t, s, "approval", "dpl_1")
	hookID, err := createHook(t, s, runID, 0, "tok-race")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		resumed  atomic.Int32
		rejected atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _ := world.NewEventData(world.EventHookResumed, hookID, world.HookResumedPayload{})
			_, err := s.CreateEvent(context.Background(), runID, data, world.CreateEventOptions{})
			switch {
			case err == nil:
				resumed.Add(1)
			case errors.Is(err, durable.ErrDuplicateEvent):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, resumed.Load())
	assert.EqualValues(t, 7, rejected.Load())
}

func testListRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := startedRun(t, s, "checkout", "dpl_1")
	startedRun(t, s, "refund", "dpl_1")
	c := startedRun(t, s, "checkout", "dpl_2")
	mustAppend(t, s, a, event(t, world.EventRunCancelled, "", world.RunCancelledPayload{Reason: "user"}))

	checkout, err := s.ListRuns(ctx, world.RunFilter{WorkflowName: "checkout"})
	require.NoError(t, err)
	assert.Len(t, checkout, 2)

	cancelled, err := s.ListRuns(ctx, world.RunFilter{Status: world.RunCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a, cancelled[0].ID)

	dpl2, err := s.ListRuns(ctx, world.RunFilter{DeploymentID: "dpl_2"})
	require.NoError(t, err)
	require.Len(t, dpl2, 1)
	assert.Equal(t, c, dpl2[0].ID)

	page, err := s.ListRuns(ctx, world.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

func testQueueIdempotency(t *testing.T, s store.Store) {
	ctx := context.Background()

	res, err := s.Queue(ctx, "__wkf_workflow_checkout", json.RawMessage(`{"runId":"wrun_1"}`), world.QueueOptions{
		DeploymentID:   "dpl_1",
		IdempotencyKey: "wrun_1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)

	_, err = s.Queue(ctx, "__wkf_workflow_checkout", json.RawMessage(`{"runId":"wrun_1"}`), world.QueueOptions{
		DeploymentID:   "dpl_1",
		IdempotencyKey: "wrun_1",
	})
	assert.ErrorIs(t, err, durable.ErrDuplicateMessage)

	// Keys stay reserved after the first message is acknowledged.
	msgs, err := s.Receive(ctx, "__wkf_workflow_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, s.Ack(ctx, msgs[0]))
	_, err = s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_1", IdempotencyKey: "wrun_1"})
	assert.ErrorIs(t, err, durable.ErrDuplicateMessage)

	// Messages without a key are never deduplicated.
	for range 2 {
		_, err = s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_1"})
		require.NoError(t, err)
	}
}

func testQueueDelivery(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Queue(ctx, "__wkf_step_charge", json.RawMessage(`{"runId":"wrun_1","stepId":"step_1"}`), world.QueueOptions{DeploymentID: "dpl_1"})
	require.NoError(t, err)

	msgs, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "__wkf_step_charge", msg.QueueName)
	assert.Equal(t, 1, msg.DeliveryCount)
	assert.JSONEq(t, `{"runId":"wrun_1","stepId":"step_1"}`, string(msg.Payload))

	again, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight messages are hidden")

	require.NoError(t, s.Extend(ctx, msg, time.Minute))
	require.NoError(t, s.Nack(ctx, msg, 0))

	redelivered, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, msg.ID, redelivered[0].ID)
	assert.Equal(t, 2, redelivered[0].DeliveryCount)

	require.NoError(t, s.Ack(ctx, redelivered[0]))
	require.NoError(t, s.Nack(ctx, redelivered[0], 0), "nack after ack is a no-op")

	gone, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func testQueueDefer(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Queue(ctx, "__wkf_step_charge", nil, world.QueueOptions{DeploymentID: "dpl_1"})
	require.NoError(t, err)

	msgs, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, 1, msgs[0].DeliveryCount)

	require.NoError(t, s.Defer(ctx, msgs[0], 0))

	again, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)
	assert.Equal(t, 1, again[0].DeliveryCount, "a deferred claim does not count as a delivery")
}

func testQueueDelay(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_1", DelaySeconds: 3600})
	require.NoError(t, err)

	msgs, err := s.Receive(ctx, "__wkf_workflow_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs, "delayed messages are not visible yet")
}

func testQueueRouting(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_1"})
	require.NoError(t, err)
	_, err = s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_2"})
	require.NoError(t, err)
	_, err = s.Queue(ctx, "__wkf_step_charge", nil, world.QueueOptions{DeploymentID: "dpl_1"})
	require.NoError(t, err)

	msgs, err := s.Receive(ctx, "__wkf_workflow_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "dpl_1", msgs[0].DeploymentID)
	assert.Equal(t, "__wkf_workflow_checkout", msgs[0].QueueName)

	limited, err := s.Receive(ctx, "__wkf_", "dpl_2", 0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
