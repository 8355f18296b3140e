package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/world"
)

const messageColumns = `id, queue_name, payload, deployment_id, idempotency_key, delivery_count, created_at, visible_at`

// Queue reserves the idempotency key and inserts the message in one
// transaction.
func (s *Store) Queue(ctx context.Context, queueName string, payload json.RawMessage, opts world.QueueOptions) (*world.QueueResult, error) {
	msgID := id.NewMessageID().String()
	now := s.now()
	visibleAt := now.Add(time.Duration(opts.DelaySeconds) * time.Second)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: begin queue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if opts.IdempotencyKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO durable_idempotency_keys (key, message_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING`,
			opts.IdempotencyKey, msgID, now,
		)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: reserve idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, durable.ErrDuplicateMessage
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO durable_messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`,
		msgID, queueName, nullBytes(payload), opts.DeploymentID, opts.IdempotencyKey, now, visibleAt,
	)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: queue message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if violated(err) == idempotencyKey {
			return nil, durable.ErrDuplicateMessage
		}
		return nil, fmt.Errorf("durable/postgres: commit queue: %w", err)
	}
	return &world.QueueResult{MessageID: msgID}, nil
}

// Receive claims due messages under prefix for deploymentID. Uses SELECT
// FOR UPDATE SKIP LOCKED so concurrent pools never claim the same row.
func (s *Store) Receive(ctx context.Context, prefix, deploymentID string, limit int, visibility time.Duration) ([]*world.Message, error) {
	now := s.now()
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM durable_messages
			WHERE deployment_id = $1
			  AND left(queue_name, length($2)) = $2
			  AND visible_at <= $3
			ORDER BY visible_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT $4
		)
		UPDATE durable_messages m
		SET delivery_count = m.delivery_count + 1, visible_at = $5
		FROM claimed
		WHERE m.id = claimed.id
		RETURNING m.id, m.queue_name, m.payload, m.deployment_id, m.idempotency_key,
			m.delivery_count, m.created_at, m.visible_at`,
		deploymentID, prefix, now, lim, now.Add(visibility),
	)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: receive: %w", err)
	}
	defer rows.Close()

	var msgs []*world.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Ack deletes a delivered message. Its idempotency key stays reserved.
func (s *Store) Ack(ctx context.Context, msg *world.Message) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM durable_messages WHERE id = $1`, msg.ID); err != nil {
		return fmt.Errorf("durable/postgres: ack: %w", err)
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
	_, err := s.pool.Exec(ctx, `
		UPDATE durable_messages
		SET visible_at = $2, delivery_count = GREATEST(delivery_count - 1, 0)
		WHERE id = $1`,
		msg.ID, s.now().Add(delay))
	if err != nil {
		return fmt.Errorf("durable/postgres: defer: %w", err)
	}
	return nil
}

func (s *Store) reschedule(ctx context.Context, msgID string, d time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE durable_messages SET visible_at = $2 WHERE id = $1`,
		msgID, s.now().Add(d))
	if err != nil {
		return fmt.Errorf("durable/postgres: reschedule: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*world.Message, error) {
	var (
		m       world.Message
		payload []byte
	)
	if err := row.Scan(&m.ID, &m.QueueName, &payload, &m.DeploymentID, &m.IdempotencyKey,
		&m.DeliveryCount, &m.CreatedAt, &m.VisibleAt); err != nil {
		return nil, err
	}
	m.Payload = payload
	m.CreatedAt, m.VisibleAt = m.CreatedAt.UTC(), m.VisibleAt.UTC()
	return &m, nil
}
