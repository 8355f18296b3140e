package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/durable"
	"github.com/xraph/durable/store"
	"github.com/xraph/durable/store/storetest"
	"github.com/xraph/durable/world"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestAppendEventDetectsStaleSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data, err := world.NewEventData(world.EventRunCreated, "", world.RunCreatedPayload{WorkflowName: "checkout"})
	require.NoError(t, err)
	res, err := s.CreateEvent(ctx, "wrun_stale", data, world.CreateEventOptions{})
	require.NoError(t, err)

	// Replaying the same change means the log no longer ends at seq-1.
	err = s.AppendEvent(ctx, &world.Change{Event: res.Event, Run: res.Run})
	assert.ErrorIs(t, err, durable.ErrSequenceConflict)

	events, err := s.LoadEvents(ctx, "wrun_stale")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReceiveDropsOrphanedSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_1"})
	require.NoError(t, err)
	require.NoError(t, s.Client().Del(ctx, messageKey("dpl_1", res.MessageID)).Err())

	msgs, err := s.Receive(ctx, "__wkf_workflow_", "dpl_1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	n, err := s.Client().ZCard(ctx, scheduleKey("dpl_1", "__wkf_workflow_checkout")).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// failingScripts fails the next script call once armed.
type failingScripts struct {
	armed atomic.Bool
}

func (f *failingScripts) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (f *failingScripts) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if strings.HasPrefix(cmd.Name(), "eval") && f.armed.CompareAndSwap(true, false) {
			err := errors.New("connection reset")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (f *failingScripts) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func TestQueueFailureReleasesIdempotencyKey(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	hook := &failingScripts{}
	client.AddHook(hook)
	s := New(client)
	ctx := context.Background()

	opts := world.QueueOptions{DeploymentID: "dpl_1", IdempotencyKey: "step_1:settled"}
	hook.armed.Store(true)
	_, err := s.Queue(ctx, "__wkf_workflow_checkout", nil, opts)
	require.Error(t, err)
	assert.NotErrorIs(t, err, durable.ErrDuplicateMessage)
	assert.False(t, mr.Exists(idempotencyKey("dpl_1", "step_1:settled")), "a failed send holds no key")

	res, err := s.Queue(ctx, "__wkf_workflow_checkout", nil, opts)
	require.NoError(t, err)

	msgs, err := s.Receive(ctx, "__wkf_workflow_", "dpl_1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.MessageID, msgs[0].ID)
	assert.Equal(t, "step_1:settled", msgs[0].IdempotencyKey)
}

func TestReceiveReadsOnlyMatchingSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for range 30 {
		_, err := s.Queue(ctx, "__wkf_step_charge", nil, world.QueueOptions{DeploymentID: "dpl_1"})
		require.NoError(t, err)
	}
	wf, err := s.Queue(ctx, "__wkf_workflow_checkout", nil, world.QueueOptions{DeploymentID: "dpl_1"})
	require.NoError(t, err)

	// A step backlog does not hide workflow messages.
	msgs, err := s.Receive(ctx, "__wkf_workflow_", "dpl_1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, wf.MessageID, msgs[0].ID)

	steps, err := s.Receive(ctx, "__wkf_step_", "dpl_1", 5, time.Minute)
	require.NoError(t, err)
	assert.Len(t, steps, 5)

	left, err := s.Client().ZCount(ctx, scheduleKey("dpl_1", "__wkf_step_charge"), "-inf", strconv.FormatInt(time.Now().UnixMilli(), 10)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(25), left)
}

func TestQueueKeysShareDeploymentSlot(t *testing.T) {
	for _, key := range []string{
		queuesKey("dpl_1"),
		scheduleKey("dpl_1", "__wkf_step_charge"),
		messageKey("dpl_1", "msg_1"),
		idempotencyKey("dpl_1", "step_1"),
	} {
		assert.Contains(t, key, "{dpl_1}")
	}
}
