package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/world"
)

const eventColumns = `run_id, seq, id, type, correlation_id, payload, spec_version, created_at`

// LoadEvents returns the run's events in sequence order.
func (s *Store) LoadEvents(ctx context.Context, runID string) ([]*world.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM durable_events WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: load events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// AppendEvent inserts the event and upserts the rows it changed in one
// transaction. A primary key collision on (run_id, seq) means another
// writer appended first.
func (s *Store) AppendEvent(ctx context.Context, ch *world.Change) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("durable/postgres: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ev := ch.Event
	_, err = tx.Exec(ctx, `
		INSERT INTO durable_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.RunID, ev.Seq, ev.ID, string(ev.Type), ev.CorrelationID,
		nullBytes(ev.Payload), ev.SpecVersion, ev.CreatedAt,
	)
	if err != nil {
		if violated(err) == eventsPKey {
			return durable.ErrSequenceConflict
		}
		return fmt.Errorf("durable/postgres: insert event: %w", err)
	}

	if err := upsertRun(ctx, tx, ch.Run); err != nil {
		return err
	}
	if ch.Step != nil {
		if err := upsertStep(ctx, tx, ch.Step); err != nil {
			return err
		}
	}
	if ch.Hook != nil {
		if err := upsertHook(ctx, tx, ch.Hook); err != nil {
			return err
		}
	}
	if ch.Wait != nil {
		if err := upsertWait(ctx, tx, ch.Wait); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if violated(err) == eventsPKey {
			return durable.ErrSequenceConflict
		}
		return fmt.Errorf("durable/postgres: commit append: %w", err)
	}
	return nil
}

// CreateEvent validates data against the run's projection and appends it.
func (s *Store) CreateEvent(ctx context.Context, runID string, data *world.EventData, opts world.CreateEventOptions) (*world.EventResult, error) {
	return world.AppendEvent(ctx, s, runID, data, opts)
}

// ListEvents returns one run's events filtered by type and sequence.
func (s *Store) ListEvents(ctx context.Context, filter world.EventFilter) ([]*world.Event, error) {
	if filter.RunID == "" {
		return nil, fmt.Errorf("durable/postgres: list events: %w", durable.ErrRunNotFound)
	}
	return s.queryEvents(ctx, filter, "")
}

// ListEventsByCorrelationID returns every event sharing correlationID,
// ordered by run and sequence.
func (s *Store) ListEventsByCorrelationID(ctx context.Context, correlationID string, filter world.EventFilter) ([]*world.Event, error) {
	return s.queryEvents(ctx, filter, correlationID)
}

func (s *Store) queryEvents(ctx context.Context, filter world.EventFilter, correlationID string) ([]*world.Event, error) {
	var w where
	if filter.RunID != "" {
		w.add("run_id = $%d", filter.RunID)
	}
	if correlationID != "" {
		w.add("correlation_id = $%d", correlationID)
	}
	if filter.AfterSeq > 0 {
		w.add("seq > $%d", filter.AfterSeq)
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		w.add("type = ANY($%d)", types)
	}

	query := `SELECT ` + eventColumns + ` FROM durable_events` + w.String() + ` ORDER BY run_id, seq`
	query += w.page(filter.Limit, 0)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*world.Event, error) {
	var events []*world.Event
	for rows.Next() {
		var (
			ev      world.Event
			typ     string
			payload []byte
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.ID, &typ, &ev.CorrelationID,
			&payload, &ev.SpecVersion, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("durable/postgres: scan event: %w", err)
		}
		ev.Type = world.EventType(typ)
		ev.Payload = payload
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate events: %w", err)
	}
	return events, nil
}
