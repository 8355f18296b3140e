package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/xraph/durable"
	"github.com/xraph/durable/middleware"
	"github.com/xraph/durable/world"
)

// MaxDelaySeconds is the longest delay a single send may carry. It stays
// under the maximum delay of common managed queues.
const MaxDelaySeconds = 82800

// placeholderPrefix marks message IDs synthesised for suppressed duplicates.
const placeholderPrefix = "msg_dedupe_"

// Continuation asks for the delivered message to be sent again after
// TimeoutSeconds. A non-empty Key is used as the hop's idempotency key, so
// every delivery asking for the same Key shares one hop.
type Continuation struct {
	TimeoutSeconds int
	Key            string
}

// TimerKey names the hop that waits out a timer with delaySeconds left.
// The key changes with each MaxDelaySeconds stage, so a long timer keeps
// hopping while wakes within one stage share a single message.
func TimerKey(timerID string, delaySeconds int) string {
	stages := max(1, (delaySeconds+MaxDelaySeconds-1)/MaxDelaySeconds)
	return "timer:" + timerID + ":" + strconv.Itoa(stages)
}

// Handler processes one delivery. Returning (nil, nil) acknowledges the
// message, a Continuation schedules the next hop, and an error leaves the
// message for redelivery.
type Handler func(ctx context.Context, msg *world.Message) (*Continuation, error)

// EnqueueOptions configures a send.
type EnqueueOptions struct {
	DeploymentID   string
	IdempotencyKey string
	DelaySeconds   int
}

// ClampDelay bounds seconds to [0, MaxDelaySeconds].
func ClampDelay(seconds int) int {
	return max(0, min(seconds, MaxDelaySeconds))
}

// PlaceholderID returns the message ID reported when key was already used.
// It depends on nothing but the key.
func PlaceholderID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return placeholderPrefix + hex.EncodeToString(sum[:])[:26]
}

// IsPlaceholderID reports whether messageID came from PlaceholderID.
func IsPlaceholderID(messageID string) bool {
	return len(messageID) > len(placeholderPrefix) && messageID[:len(placeholderPrefix)] == placeholderPrefix
}

// Scheduler sends messages through a world.Queue.
type Scheduler struct {
	queue      world.Queue
	config     durable.Config
	logger     *slog.Logger
	middleware []middleware.Middleware
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithMiddleware sets middleware wrapped around every delivery.
func WithMiddleware(mws ...middleware.Middleware) SchedulerOption {
	return func(s *Scheduler) { s.middleware = append(s.middleware, mws...) }
}

// NewScheduler creates a Scheduler. cfg supplies the fallback deployment ID.
func NewScheduler(q world.Queue, cfg durable.Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{queue: q, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeploymentID resolves the deployment used when none is given.
func (s *Scheduler) DeploymentID() (string, error) {
	return s.config.ResolveDeploymentID("")
}

// Enqueue sends payload to queueName. A duplicate idempotency key is
// reported as success with PlaceholderID(key).
func (s *Scheduler) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if err := ValidateName(queueName); err != nil {
		return "", err
	}
	deploymentID, err := s.config.ResolveDeploymentID(opts.DeploymentID)
	if err != nil {
		return "", err
	}

	res, err := s.queue.Queue(ctx, queueName, payload, world.QueueOptions{
		DeploymentID:   deploymentID,
		IdempotencyKey: opts.IdempotencyKey,
		DelaySeconds:   ClampDelay(opts.DelaySeconds),
	})
	if errors.Is(err, durable.ErrDuplicateMessage) {
		s.logger.Debug("duplicate send suppressed",
			slog.String("queue", queueName),
			slog.String("idempotency_key", opts.IdempotencyKey),
		)
		return PlaceholderID(opts.IdempotencyKey), nil
	}
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// EnqueueJSON marshals v and enqueues it.
func (s *Scheduler) EnqueueJSON(ctx context.Context, queueName string, v any, opts EnqueueOptions) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload for %s: %w", queueName, err)
	}
	return s.Enqueue(ctx, queueName, payload, opts)
}

// Handler adapts h to a world.MessageHandler, running it inside the
// scheduler's middleware and turning continuations into delayed hops.
func (s *Scheduler) Handler(h Handler) world.MessageHandler {
	chain := middleware.Chain(s.middleware...)
	return func(ctx context.Context, msg *world.Message) error {
		var cont *Continuation
		err := chain(ctx, msg, func(ctx context.Context) error {
			c, err := h(ctx, msg)
			cont = c
			return err
		})
		if err != nil {
			return err
		}
		if cont == nil {
			return nil
		}
		return s.hop(ctx, msg, cont)
	}
}

// hop re-sends msg after the continuation's delay. Without a continuation
// key the hop's idempotency key is derived from the delivered message, so a
// redelivery of the same message cannot fan out into two hops. A message
// that was itself sent under the continuation's key hops by its own ID.
func (s *Scheduler) hop(ctx context.Context, msg *world.Message, cont *Continuation) error {
	delay := ClampDelay(cont.TimeoutSeconds)
	key := cont.Key
	if key == "" || key == msg.IdempotencyKey {
		key = "hop:" + msg.ID
	}
	_, err := s.queue.Queue(ctx, msg.QueueName, msg.Payload, world.QueueOptions{
		DeploymentID:   msg.DeploymentID,
		IdempotencyKey: key,
		DelaySeconds:   delay,
	})
	if err != nil && !errors.Is(err, durable.ErrDuplicateMessage) {
		return fmt.Errorf("queue: continue %s on %s: %w", msg.ID, msg.QueueName, err)
	}

	s.logger.Debug("continuation scheduled",
		slog.String("message_id", msg.ID),
		slog.String("queue", msg.QueueName),
		slog.String("idempotency_key", key),
		slog.Int("requested_seconds", cont.TimeoutSeconds),
		slog.Int("delay_seconds", delay),
	)
	return nil
}
