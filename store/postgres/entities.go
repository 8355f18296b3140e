package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/world"
)

// ── Runs ─────────────────────────────────────────────────────────

const runColumns = `id, workflow_name, status, spec_version, deployment_id, input, output, error,
	last_seq, created_at, started_at, completed_at, updated_at`

func upsertRun(ctx context.Context, tx pgx.Tx, r *world.Run) error {
	errBytes, err := encodeError(r.Error)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO durable_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			last_seq = EXCLUDED.last_seq,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.WorkflowName, string(r.Status), r.SpecVersion, r.DeploymentID,
		nullBytes(r.Input), nullBytes(r.Output), errBytes,
		r.LastSeq, r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: upsert run: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*world.Run, error) {
	var (
		r                     world.Run
		status                string
		input, output, errRaw []byte
	)
	if err := row.Scan(&r.ID, &r.WorkflowName, &status, &r.SpecVersion, &r.DeploymentID,
		&input, &output, &errRaw, &r.LastSeq, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	info, err := decodeError(errRaw)
	if err != nil {
		return nil, err
	}
	r.Status = world.RunStatus(status)
	r.Input, r.Output, r.Error = input, output, info
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	r.StartedAt, r.CompletedAt = utcPtr(r.StartedAt), utcPtr(r.CompletedAt)
	return &r, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM durable_runs WHERE id = $1`, runID))
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter world.RunFilter) ([]*world.Run, error) {
	var w where
	if filter.WorkflowName != "" {
		w.add("workflow_name = $%d", filter.WorkflowName)
	}
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	if filter.DeploymentID != "" {
		w.add("deployment_id = $%d", filter.DeploymentID)
	}
	query := `SELECT ` + runColumns + ` FROM durable_runs` + w.String() +
		` ORDER BY created_at DESC, id DESC` + w.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*world.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ── Steps ────────────────────────────────────────────────────────

const stepColumns = `id, run_id, name, position, queue_name, deployment_id, status, input, output, error,
	attempt, max_retries, retry_after, created_at, started_at, completed_at`

func upsertStep(ctx context.Context, tx pgx.Tx, st *world.Step) error {
	errBytes, err := encodeError(st.Error)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO durable_steps (`+stepColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			attempt = EXCLUDED.attempt,
			retry_after = EXCLUDED.retry_after,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		st.ID, st.RunID, st.Name, st.Position, st.QueueName, st.DeploymentID, string(st.Status),
		nullBytes(st.Input), nullBytes(st.Output), errBytes,
		st.Attempt, st.MaxRetries, st.RetryAfter, st.CreatedAt, st.StartedAt, st.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: upsert step: %w", err)
	}
	return nil
}

func scanStep(row pgx.Row) (*world.Step, error) {
	var (
		st                    world.Step
		status                string
		input, output, errRaw []byte
	)
	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &st.Position, &st.QueueName, &st.DeploymentID,
		&status, &input, &output, &errRaw, &st.Attempt, &st.MaxRetries, &st.RetryAfter,
		&st.CreatedAt, &st.StartedAt, &st.CompletedAt); err != nil {
		return nil, err
	}
	info, err := decodeError(errRaw)
	if err != nil {
		return nil, err
	}
	st.Status = world.StepStatus(status)
	st.Input, st.Output, st.Error = input, output, info
	st.CreatedAt = st.CreatedAt.UTC()
	st.RetryAfter, st.StartedAt, st.CompletedAt = utcPtr(st.RetryAfter), utcPtr(st.StartedAt), utcPtr(st.CompletedAt)
	return &st, nil
}

// GetStep retrieves a step if it belongs to runID.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	st, err := scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM durable_steps WHERE id = $1 AND run_id = $2`, stepID, runID))
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrStepNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get step: %w", err)
	}
	return st, nil
}

// ListSteps returns steps ordered by run and call position.
func (s *Store) ListSteps(ctx context.Context, filter world.StepFilter) ([]*world.Step, error) {
	var w where
	if filter.RunID != "" {
		w.add("run_id = $%d", filter.RunID)
	}
	if filter.Name != "" {
		w.add("name = $%d", filter.Name)
	}
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	query := `SELECT ` + stepColumns + ` FROM durable_steps` + w.String() +
		` ORDER BY run_id, position` + w.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var steps []*world.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ── Hooks ────────────────────────────────────────────────────────

const hookColumns = `id, run_id, token, position, metadata, payload, resumed, created_at, resumed_at`

func upsertHook(ctx context.Context, tx pgx.Tx, h *world.Hook) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO durable_hooks (`+hookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload,
			resumed = EXCLUDED.resumed,
			resumed_at = EXCLUDED.resumed_at`,
		h.ID, h.RunID, h.Token, h.Position, nullBytes(h.Metadata), nullBytes(h.Payload),
		h.Resumed, h.CreatedAt, h.ResumedAt,
	)
	if err != nil {
		if violated(err) == hookTokenKey {
			return durable.ErrHookTokenConflict
		}
		return fmt.Errorf("durable/postgres: upsert hook: %w", err)
	}
	return nil
}

func scanHook(row pgx.Row) (*world.Hook, error) {
	var (
		h                 world.Hook
		metadata, payload []byte
	)
	if err := row.Scan(&h.ID, &h.RunID, &h.Token, &h.Position, &metadata, &payload,
		&h.Resumed, &h.CreatedAt, &h.ResumedAt); err != nil {
		return nil, err
	}
	h.Metadata, h.Payload = metadata, payload
	h.CreatedAt = h.CreatedAt.UTC()
	h.ResumedAt = utcPtr(h.ResumedAt)
	return &h, nil
}

func (s *Store) getHook(ctx context.Context, column, value string) (*world.Hook, error) {
	h, err := scanHook(s.pool.QueryRow(ctx,
		`SELECT `+hookColumns+` FROM durable_hooks WHERE `+column+` = $1`, value))
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrHookNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get hook: %w", err)
	}
	return h, nil
}

// GetHook retrieves a hook by ID.
func (s *Store) GetHook(ctx context.Context, hookID string) (*world.Hook, error) {
	return s.getHook(ctx, "id", hookID)
}

// GetHookByToken resolves a hook from its resume token.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	return s.getHook(ctx, "token", token)
}

// ListHooks returns hooks ordered by run and call position.
func (s *Store) ListHooks(ctx context.Context, filter world.HookFilter) ([]*world.Hook, error) {
	var w where
	if filter.RunID != "" {
		w.add("run_id = $%d", filter.RunID)
	}
	if filter.PendingOnly {
		w.add("resumed = $%d", false)
	}
	query := `SELECT ` + hookColumns + ` FROM durable_hooks` + w.String() +
		` ORDER BY run_id, position` + w.page(filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list hooks: %w", err)
	}
	defer rows.Close()

	var hooks []*world.Hook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan hook: %w", err)
		}
		hooks = append(hooks, h)
	}
	return hooks, rows.Err()
}

// ── Waits ────────────────────────────────────────────────────────

func upsertWait(ctx context.Context, tx pgx.Tx, wt *world.Wait) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO durable_waits (id, run_id, position, resume_at, completed, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			completed = EXCLUDED.completed,
			completed_at = EXCLUDED.completed_at`,
		wt.ID, wt.RunID, wt.Position, wt.ResumeAt, wt.Completed, wt.CreatedAt, wt.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: upsert wait: %w", err)
	}
	return nil
}
