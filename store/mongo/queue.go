package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/world"
)

// Queue reserves the idempotency key, then inserts the message. A failed
// insert releases the key again so the send can be retried.
func (s *Store) Queue(ctx context.Context, queueName string, payload json.RawMessage, opts world.QueueOptions) (*world.QueueResult, error) {
	msgID := id.NewMessageID().String()
	now := s.now()

	if opts.IdempotencyKey != "" {
		_, err := s.db.Collection(colIdempotency).InsertOne(ctx, idempotencyModel{
			Key:       opts.IdempotencyKey,
			MessageID: msgID,
			CreatedAt: now,
		})
		if err != nil {
			if isDuplicateKey(err) {
				return nil, durable.ErrDuplicateMessage
			}
			return nil, fmt.Errorf("durable/mongo: reserve idempotency key: %w", err)
		}
	}

	_, err := s.db.Collection(colMessages).InsertOne(ctx, messageModel{
		ID:             msgID,
		QueueName:      queueName,
		Payload:        payload,
		DeploymentID:   opts.DeploymentID,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
		VisibleAt:      now.Add(time.Duration(opts.DelaySeconds) * time.Second),
	})
	if err != nil {
		if opts.IdempotencyKey != "" {
			s.releaseKey(ctx, opts.IdempotencyKey, msgID)
		}
		return nil, fmt.Errorf("durable/mongo: queue message: %w", err)
	}
	return &world.QueueResult{MessageID: msgID}, nil
}

// releaseKey drops a key reservation held by msgID. The caller's context
// may already be done, so the delete runs on a detached one.
func (s *Store) releaseKey(ctx context.Context, key, msgID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.db.Collection(colIdempotency).DeleteOne(ctx, bson.M{"_id": key, "message_id": msgID})
	if err != nil {
		s.logger.Error("failed to release idempotency key",
			slog.String("idempotency_key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Receive claims due messages under prefix for deploymentID. Uses
// FindOneAndUpdate for atomic claim to prevent double-delivery.
func (s *Store) Receive(ctx context.Context, prefix, deploymentID string, limit int, visibility time.Duration) ([]*world.Message, error) {
	now := s.now()
	col := s.db.Collection(colMessages)

	filter := bson.M{
		"deployment_id": deploymentID,
		"queue_name":    bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)},
		"visible_at":    bson.M{"$lte": now},
	}
	update := bson.M{
		"$inc": bson.M{"delivery_count": 1},
		"$set": bson.M{"visible_at": now.Add(visibility)},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "visible_at", Value: 1}, {Key: "_id", Value: 1}})

	var msgs []*world.Message
	for limit <= 0 || len(msgs) < limit {
		var m messageModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("durable/mongo: receive: %w", err)
		}
		msgs = append(msgs, fromMessageModel(&m))
	}
	return msgs, nil
}

// Ack deletes a delivered message. Its idempotency key stays reserved.
func (s *Store) Ack(ctx context.Context, msg *world.Message) error {
	if _, err := s.db.Collection(colMessages).DeleteOne(ctx, bson.M{"_id": msg.ID}); err != nil {
		return fmt.Errorf("durable/mongo: ack: %w", err)
	}
	return nil
}

// Nack makes a delivered message visible again after delay.
func (s *Store) Nack(ctx context.Context, msg *world.Message, delay time.Duration) error {
	return s.reschedule(ctx, msg.ID, delay)
}

// Extend hides an in-flight message for another visibility period.
func (s *Store) Extend(ctx context.Context, msg *world.Message, visibility time.Duration) error {
	return s.reschedule(ctx, msg.ID, visibility)
}

// Defer hands a claimed message back after delay without counting the
// claim as a delivery.
func (s *Store) Defer(ctx context.Context, msg *world.Message, delay time.Duration) error {
	_, err := s.db.Collection(colMessages).UpdateOne(ctx,
		bson.M{"_id": msg.ID},
		mongod.Pipeline{{{Key: "$set", Value: bson.M{
			"visible_at":     s.now().Add(delay),
			"delivery_count": bson.M{"$max": bson.A{0, bson.M{"$subtract": bson.A{"$delivery_count", 1}}}},
		}}}},
	)
	if err != nil {
		return fmt.Errorf("durable/mongo: defer: %w", err)
	}
	return nil
}

func (s *Store) reschedule(ctx context.Context, msgID string, d time.Duration) error {
	_, err := s.db.Collection(colMessages).UpdateOne(ctx,
		bson.M{"_id": msgID},
		bson.M{"$set": bson.M{"visible_at": s.now().Add(d)}},
	)
	if err != nil {
		return fmt.Errorf("durable/mongo: reschedule: %w", err)
	}
	return nil
}
