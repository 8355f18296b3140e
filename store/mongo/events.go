package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/durable"
	"github.com/xraph/durable/world"
)

// LoadEvents returns the run's events in sequence order.
func (s *Store) LoadEvents(ctx context.Context, runID string) ([]*world.Event, error) {
	return s.findEvents(ctx, bson.M{"run_id": runID}, 0)
}

// AppendEvent inserts the event, relying on the unique (run_id, seq) index
// to reject a stale writer, then upserts the documents it changed. A new
// hook's token is reserved before the insert so a token owned by another
// hook never reaches the log.
func (s *Store) AppendEvent(ctx context.Context, ch *world.Change) error {
	ev := ch.Event

	var reserved string
	if ev.Type == world.EventHookCreated && ch.Hook != nil {
		fresh, err := s.reserveToken(ctx, ch.Hook)
		if err != nil {
			return err
		}
		if fresh {
			reserved = ch.Hook.Token
		}
	}

	_, err := s.db.Collection(colEvents).InsertOne(ctx, toEventModel(ev))
	if err != nil {
		if reserved != "" {
			_, _ = s.db.Collection(colHookTokens).DeleteOne(ctx, bson.M{"_id": reserved})
		}
		if isDuplicateKey(err) {
			return durable.ErrSequenceConflict
		}
		return fmt.Errorf("durable/mongo: insert event: %w", err)
	}

	if err := s.replace(ctx, colRuns, ch.Run.ID, toRunModel(ch.Run)); err != nil {
		return err
	}
	if ch.Step != nil {
		if err := s.replace(ctx, colSteps, ch.Step.ID, toStepModel(ch.Step)); err != nil {
			return err
		}
	}
	if ch.Hook != nil {
		if err := s.replace(ctx, colHooks, ch.Hook.ID, toHookModel(ch.Hook)); err != nil {
			return err
		}
	}
	if ch.Wait != nil {
		if err := s.replace(ctx, colWaits, ch.Wait.ID, toWaitModel(ch.Wait)); err != nil {
			return err
		}
	}
	return nil
}

// reserveToken claims h.Token for h. It reports whether this call created
// the reservation.
func (s *Store) reserveToken(ctx context.Context, h *world.Hook) (bool, error) {
	col := s.db.Collection(colHookTokens)
	_, err := col.InsertOne(ctx, hookTokenModel{Token: h.Token, HookID: h.ID})
	if err == nil {
		return true, nil
	}
	if !isDuplicateKey(err) {
		return false, fmt.Errorf("durable/mongo: reserve hook token: %w", err)
	}

	var owner hookTokenModel
	if err := col.FindOne(ctx, bson.M{"_id": h.Token}).Decode(&owner); err != nil {
		return false, fmt.Errorf("durable/mongo: read hook token: %w", err)
	}
	if owner.HookID != h.ID {
		return false, durable.ErrHookTokenConflict
	}
	return false, nil
}

func (s *Store) replace(ctx context.Context, col, id string, doc any) error {
	_, err := s.db.Collection(col).ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("durable/mongo: upsert %s: %w", col, err)
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
		return nil, fmt.Errorf("durable/mongo: list events: %w", durable.ErrRunNotFound)
	}
	return s.findEvents(ctx, eventQuery(filter, ""), filter.Limit)
}

// ListEventsByCorrelationID returns every event sharing correlationID,
// ordered by run and sequence.
func (s *Store) ListEventsByCorrelationID(ctx context.Context, correlationID string, filter world.EventFilter) ([]*world.Event, error) {
	return s.findEvents(ctx, eventQuery(filter, correlationID), filter.Limit)
}

func eventQuery(filter world.EventFilter, correlationID string) bson.M {
	q := bson.M{}
	if filter.RunID != "" {
		q["run_id"] = filter.RunID
	}
	if correlationID != "" {
		q["correlation_id"] = correlationID
	}
	if filter.AfterSeq > 0 {
		q["seq"] = bson.M{"$gt": filter.AfterSeq}
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		q["type"] = bson.M{"$in": types}
	}
	return q
}

func (s *Store) findEvents(ctx context.Context, q bson.M, limit int) ([]*world.Event, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(colEvents).Find(ctx, q, findOpts)
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: find events: %w", err)
	}
	defer cursor.Close(ctx)

	var models []eventModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode events: %w", err)
	}
	events := make([]*world.Event, len(models))
	for i := range models {
		events[i] = fromEventModel(&models[i])
	}
	return events, nil
}

// ── Materialised reads ───────────────────────────────────────────

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	var m runModel
	err := s.db.Collection(colRuns).FindOne(ctx, bson.M{"_id": runID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/mongo: get run: %w", err)
	}
	return fromRunModel(&m), nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter world.RunFilter) ([]*world.Run, error) {
	q := bson.M{}
	if filter.WorkflowName != "" {
		q["workflow_name"] = filter.WorkflowName
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.DeploymentID != "" {
		q["deployment_id"] = filter.DeploymentID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		findOpts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.db.Collection(colRuns).Find(ctx, q, findOpts)
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var models []runModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode runs: %w", err)
	}
	runs := make([]*world.Run, len(models))
	for i := range models {
		runs[i] = fromRunModel(&models[i])
	}
	return runs, nil
}

// GetStep retrieves a step if it belongs to runID.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	var m stepModel
	err := s.db.Collection(colSteps).FindOne(ctx, bson.M{"_id": stepID, "run_id": runID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, durable.ErrStepNotFound
		}
		return nil, fmt.Errorf("durable/mongo: get step: %w", err)
	}
	return fromStepModel(&m), nil
}

// ListSteps returns steps ordered by run and call position.
func (s *Store) ListSteps(ctx context.Context, filter world.StepFilter) ([]*world.Step, error) {
	q := bson.M{}
	if filter.RunID != "" {
		q["run_id"] = filter.RunID
	}
	if filter.Name != "" {
		q["name"] = filter.Name
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}

	cursor, err := s.db.Collection(colSteps).Find(ctx, q, positionOrder(filter.Limit, filter.Offset))
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: list steps: %w", err)
	}
	defer cursor.Close(ctx)

	var models []stepModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode steps: %w", err)
	}
	steps := make([]*world.Step, len(models))
	for i := range models {
		steps[i] = fromStepModel(&models[i])
	}
	return steps, nil
}

// GetHook retrieves a hook by ID.
func (s *Store) GetHook(ctx context.Context, hookID string) (*world.Hook, error) {
	return s.findHook(ctx, bson.M{"_id": hookID})
}

// GetHookByToken resolves a hook from its resume token.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	return s.findHook(ctx, bson.M{"token": token})
}

func (s *Store) findHook(ctx context.Context, q bson.M) (*world.Hook, error) {
	var m hookModel
	err := s.db.Collection(colHooks).FindOne(ctx, q).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, durable.ErrHookNotFound
		}
		return nil, fmt.Errorf("durable/mongo: get hook: %w", err)
	}
	return fromHookModel(&m), nil
}

// ListHooks returns hooks ordered by run and call position.
func (s *Store) ListHooks(ctx context.Context, filter world.HookFilter) ([]*world.Hook, error) {
	q := bson.M{}
	if filter.RunID != "" {
		q["run_id"] = filter.RunID
	}
	if filter.PendingOnly {
		q["resumed"] = false
	}

	cursor, err := s.db.Collection(colHooks).Find(ctx, q, positionOrder(filter.Limit, filter.Offset))
	if err != nil {
		return nil, fmt.Errorf("durable/mongo: list hooks: %w", err)
	}
	defer cursor.Close(ctx)

	var models []hookModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("durable/mongo: decode hooks: %w", err)
	}
	hooks := make([]*world.Hook, len(models))
	for i := range models {
		hooks[i] = fromHookModel(&models[i])
	}
	return hooks, nil
}

func positionOrder(limit, offset int) *options.FindOptionsBuilder {
	findOpts := options.Find().SetSort(bson.D{{Key: "run_id", Value: 1}, {Key: "position", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	if offset > 0 {
		findOpts.SetSkip(int64(offset))
	}
	return findOpts
}
