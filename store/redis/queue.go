package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/world"
)

// maxReceive caps a claim when the caller asks for no limit.
const maxReceive = 1000

// Queue stores the message as a Hash and schedules it in its queue's
// Sorted Set. Idempotency keys are scoped to the deployment.
func (s *Store) Queue(ctx context.Context, queueName string, payload json.RawMessage, opts world.QueueOptions) (*world.QueueResult, error) {
	msgID := id.NewMessageID().String()
	now := s.now()
	visibleAt := now.Add(time.Duration(opts.DelaySeconds) * time.Second)
	dpl := opts.DeploymentID

	hasKey := "0"
	if opts.IdempotencyKey != "" {
		hasKey = "1"
	}
	res, err := queueScript.Run(ctx, s.client,
		[]string{idempotencyKey(dpl, opts.IdempotencyKey), messageKey(dpl, msgID), scheduleKey(dpl, queueName), queuesKey(dpl)},
		hasKey, msgID, queueName, string(payload), dpl, opts.IdempotencyKey,
		now.UnixMilli(), visibleAt.UnixMilli(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: queue message: %w", err)
	}
	if res == "duplicate" {
		return nil, durable.ErrDuplicateMessage
	}
	return &world.QueueResult{MessageID: msgID}, nil
}

// Receive claims due messages under prefix for deploymentID. The schedules
// of every matching queue are claimed from in one script, then each claimed
// message has its delivery counted.
func (s *Store) Receive(ctx context.Context, prefix, deploymentID string, limit int, visibility time.Duration) ([]*world.Message, error) {
	names, err := s.client.SMembers(ctx, queuesKey(deploymentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list queues: %w", err)
	}
	var queues, keys []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			queues = append(queues, name)
		}
	}
	if len(queues) == 0 {
		return nil, nil
	}
	slices.Sort(queues)
	for _, name := range queues {
		keys = append(keys, scheduleKey(deploymentID, name))
	}
	if limit <= 0 || limit > maxReceive {
		limit = maxReceive
	}

	now := s.now()
	next := now.Add(visibility).UnixMilli()
	claimed, err := receiveScript.Run(ctx, s.client, keys, now.UnixMilli(), limit, next).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: receive: %w", err)
	}

	msgs := make([]*world.Message, 0, len(claimed)/2)
	for i := 0; i+1 < len(claimed); i += 2 {
		idx, err := strconv.Atoi(claimed[i])
		if err != nil || idx < 1 || idx > len(keys) {
			return nil, fmt.Errorf("durable/redis: receive: bad schedule index %q", claimed[i])
		}
		msgID := claimed[i+1]
		fields, err := claimScript.Run(ctx, s.client,
			[]string{messageKey(deploymentID, msgID), keys[idx-1]}, msgID, next,
		).StringSlice()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("durable/redis: claim message: %w", err)
		}
		vals := make(map[string]string, len(fields)/2)
		for j := 0; j+1 < len(fields); j += 2 {
			vals[fields[j]] = fields[j+1]
		}
		msgs = append(msgs, mapToMessage(vals))
	}
	return msgs, nil
}

// Ack deletes a delivered message. Its idempotency key stays reserved.
func (s *Store) Ack(ctx context.Context, msg *world.Message) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, messageKey(msg.DeploymentID, msg.ID))
	pipe.ZRem(ctx, scheduleKey(msg.DeploymentID, msg.QueueName), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("durable/redis: ack: %w", err)
	}
	return nil
}

// Nack makes a delivered message visible again after delay.
func (s *Store) Nack(ctx context.Context, msg *world.Message, delay time.Duration) error {
	return s.reschedule(ctx, msg, delay, false)
}

// Extend hides an in-flight message for another visibility period.
func (s *Store) Extend(ctx context.Context, msg *world.Message, visibility time.Duration) error {
	return s.reschedule(ctx, msg, visibility, false)
}

// Defer hands a claimed message back after delay without counting the
// claim as a delivery.
func (s *Store) Defer(ctx context.Context, msg *world.Message, delay time.Duration) error {
	return s.reschedule(ctx, msg, delay, true)
}

// reschedule only touches messages that still exist so an acknowledged
// message is never resurrected.
func (s *Store) reschedule(ctx context.Context, msg *world.Message, d time.Duration, uncount bool) error {
	flag := "0"
	if uncount {
		flag = "1"
	}
	err := rescheduleScript.Run(ctx, s.client,
		[]string{messageKey(msg.DeploymentID, msg.ID), scheduleKey(msg.DeploymentID, msg.QueueName)},
		msg.ID, s.now().Add(d).UnixMilli(), flag,
	).Err()
	if err != nil {
		return fmt.Errorf("durable/redis: reschedule: %w", err)
	}
	return nil
}

func millis(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func mapToMessage(vals map[string]string) *world.Message {
	count, _ := strconv.Atoi(vals["delivery_count"])
	return &world.Message{
		ID:             vals["id"],
		QueueName:      vals["queue_name"],
		Payload:        json.RawMessage(vals["payload"]),
		DeploymentID:   vals["deployment_id"],
		IdempotencyKey: vals["idempotency_key"],
		DeliveryCount:  count,
		CreatedAt:      time.UnixMilli(millis(vals["created_at"])).UTC(),
		VisibleAt:      time.UnixMilli(millis(vals["visible_at"])).UTC(),
	}
}
