package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/world"
)

// ErrEntryNotFound is returned by stores for an unknown entry ID.
var ErrEntryNotFound = errors.New("dlq: entry not found")

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Service)(nil)
	_ ext.MessageDeadLettered = (*Service)(nil)
)

// Sender re-sends replayed messages. Every world.World is a Sender.
type Sender interface {
	Queue(ctx context.Context, queueName string, payload json.RawMessage, opts world.QueueOptions) (*world.QueueResult, error)
}

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store  Store
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source for FailedAt and ReplayedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a DLQ service that stores entries in store and
// replays them through sender.
func NewService(store Store, sender Sender, opts ...Option) *Service {
	s := &Service{store: store, sender: sender, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements ext.Extension.
func (s *Service) Name() string { return "dlq" }

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (s *Service) OnMessageDeadLettered(ctx context.Context, msg *world.Message, msgErr error) error {
	_, err := s.Push(ctx, msg, msgErr)
	return err
}

// Push builds an Entry from a dead-lettered message and persists it.
func (s *Service) Push(ctx context.Context, msg *world.Message, msgErr error) (*Entry, error) {
	reason := "unknown error"
	if msgErr != nil {
		reason = msgErr.Error()
	}
	entry := &Entry{
		ID:             id.NewDLQID().String(),
		MessageID:      msg.ID,
		Queue:          msg.QueueName,
		DeploymentID:   msg.DeploymentID,
		IdempotencyKey: msg.IdempotencyKey,
		Payload:        append(json.RawMessage(nil), msg.Payload...),
		Error:          reason,
		Deliveries:     msg.DeliveryCount,
		FailedAt:       s.now().UTC(),
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, fmt.Errorf("dlq: push %s: %w", msg.ID, err)
	}
	s.logger.Warn("message dead-lettered",
		slog.String("entry_id", entry.ID),
		slog.String("message_id", msg.ID),
		slog.String("queue", msg.QueueName),
		slog.String("error", reason),
	)
	return entry, nil
}

// Replay sends the entry's payload to its original queue and deployment
// and marks the entry replayed. It returns the new message ID, or "" when
// the entry had already been replayed.
func (s *Service) Replay(ctx context.Context, entryID string) (string, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return "", err
	}

	msgID := ""
	res, err := s.sender.Queue(ctx, entry.Queue, entry.Payload, world.QueueOptions{
		DeploymentID:   entry.DeploymentID,
		IdempotencyKey: "dlq:" + entry.ID,
	})
	switch {
	case errors.Is(err, durable.ErrDuplicateMessage):
		// Replayed before.
	case err != nil:
		return "", fmt.Errorf("dlq: replay %s: %w", entry.ID, err)
	default:
		msgID = res.MessageID
	}

	if err := s.store.ReplayDLQ(ctx, entry.ID, s.now().UTC()); err != nil {
		// The message is already re-sent; the marker is advisory.
		s.logger.Warn("failed to mark dlq entry replayed",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
	return msgID, nil
}

// Purge removes entries that failed more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.PurgeDLQ(ctx, s.now().Add(-olderThan))
}

// Store returns the underlying store for list, get and count.
func (s *Service) Store() Store {
	return s.store
}
