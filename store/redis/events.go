package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/world"
)

// LoadEvents returns the run's events in sequence order.
func (s *Store) LoadEvents(ctx context.Context, runID string) ([]*world.Event, error) {
	raw, err := s.client.LRange(ctx, eventsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: load events: %w", err)
	}
	events := make([]*world.Event, 0, len(raw))
	for _, r := range raw {
		var ev world.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("durable/redis: decode event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// AppendEvent runs the compare-and-append script for ch.
func (s *Store) AppendEvent(ctx context.Context, ch *world.Change) error {
	ev := ch.Event
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("durable/redis: encode event: %w", err)
	}
	runJSON, err := json.Marshal(ch.Run)
	if err != nil {
		return fmt.Errorf("durable/redis: encode run: %w", err)
	}

	entityKey, indexKey := unusedKey, unusedKey
	var entityJSON []byte
	var entityID, token string
	switch {
	case ch.Step != nil:
		entityKey, indexKey, entityID = stepKey(ch.Step.ID), runStepsKey(ev.RunID), ch.Step.ID
		entityJSON, err = json.Marshal(ch.Step)
	case ch.Hook != nil:
		entityKey, indexKey, entityID = hookKey(ch.Hook.ID), runHooksKey(ev.RunID), ch.Hook.ID
		entityJSON, err = json.Marshal(ch.Hook)
		if ev.Type == world.EventHookCreated {
			token = ch.Hook.Token
		}
	case ch.Wait != nil:
		entityKey, indexKey, entityID = waitKey(ch.Wait.ID), runWaitsKey(ev.RunID), ch.Wait.ID
		entityJSON, err = json.Marshal(ch.Wait)
	}
	if err != nil {
		return fmt.Errorf("durable/redis: encode %s: %w", ev.Type, err)
	}

	corr := unusedKey
	if ev.CorrelationID != "" {
		corr = corrKey(ev.CorrelationID)
	}

	res, err := appendScript.Run(ctx, s.client,
		[]string{eventsKey(ev.RunID), runKey(ev.RunID), runsKey, tokensKey, entityKey, indexKey, corr},
		ev.Seq-1, string(evJSON), string(runJSON), ev.RunID, ch.Run.CreatedAt.UnixMilli(),
		string(entityJSON), entityID, token, ev.CorrelationID,
	).Text()
	if err != nil {
		return fmt.Errorf("durable/redis: append event: %w", err)
	}
	switch res {
	case "conflict":
		return durable.ErrSequenceConflict
	case "token":
		return durable.ErrHookTokenConflict
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
		return nil, fmt.Errorf("durable/redis: list events: %w", durable.ErrRunNotFound)
	}
	events, err := s.LoadEvents(ctx, filter.RunID)
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return world.Paginate(out, 0, filter.Limit), nil
}

// ListEventsByCorrelationID returns every event sharing correlationID,
// ordered by run and sequence.
func (s *Store) ListEventsByCorrelationID(ctx context.Context, correlationID string, filter world.EventFilter) ([]*world.Event, error) {
	runIDs, err := s.client.SMembers(ctx, corrKey(correlationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list correlation runs: %w", err)
	}
	slices.Sort(runIDs)

	var out []*world.Event
	for _, runID := range runIDs {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		events, err := s.LoadEvents(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.CorrelationID == correlationID && filter.Matches(ev) {
				out = append(out, ev)
			}
		}
	}
	return world.Paginate(out, 0, filter.Limit), nil
}

// ──────────────────────────────────────────────────
// Materialised reads
// ──────────────────────────────────────────────────

func getJSON[T any](ctx context.Context, c goredis.Cmdable, key string, notFound error) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("durable/redis: decode %s: %w", key, err)
	}
	return &v, nil
}

func mgetJSON[T any](ctx context.Context, c goredis.Cmdable, keys []string) ([]*T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: mget: %w", err)
	}
	out := make([]*T, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(str), &item); err != nil {
			return nil, fmt.Errorf("durable/redis: decode: %w", err)
		}
		out = append(out, &item)
	}
	return out, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*world.Run, error) {
	return getJSON[world.Run](ctx, s.client, runKey(runID), durable.ErrRunNotFound)
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter world.RunFilter) ([]*world.Run, error) {
	ids, err := s.client.ZRevRange(ctx, runsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list runs: %w", err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = runKey(id)
	}
	runs, err := mgetJSON[world.Run](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}

	out := runs[:0]
	for _, r := range runs {
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.DeploymentID != "" && r.DeploymentID != filter.DeploymentID {
			continue
		}
		out = append(out, r)
	}
	return world.Paginate(out, filter.Offset, filter.Limit), nil
}

// GetStep retrieves a step if it belongs to runID.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*world.Step, error) {
	st, err := getJSON[world.Step](ctx, s.client, stepKey(stepID), durable.ErrStepNotFound)
	if err != nil {
		return nil, err
	}
	if st.RunID != runID {
		return nil, durable.ErrStepNotFound
	}
	return st, nil
}

// runScope lists the run IDs a step or hook query covers.
func (s *Store) runScope(ctx context.Context, runID string) ([]string, error) {
	if runID != "" {
		return []string{runID}, nil
	}
	ids, err := s.client.ZRange(ctx, runsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list run ids: %w", err)
	}
	return ids, nil
}

// ListSteps returns steps ordered by run and call position.
func (s *Store) ListSteps(ctx context.Context, filter world.StepFilter) ([]*world.Step, error) {
	runIDs, err := s.runScope(ctx, filter.RunID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, runID := range runIDs {
		ids, err := s.client.SMembers(ctx, runStepsKey(runID)).Result()
		if err != nil {
			return nil, fmt.Errorf("durable/redis: list steps: %w", err)
		}
		for _, id := range ids {
			keys = append(keys, stepKey(id))
		}
	}
	steps, err := mgetJSON[world.Step](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}

	out := steps[:0]
	for _, st := range steps {
		if filter.Name != "" && st.Name != filter.Name {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *world.Step) int {
		return cmp.Or(cmp.Compare(a.RunID, b.RunID), cmp.Compare(a.Position, b.Position))
	})
	return world.Paginate(out, filter.Offset, filter.Limit), nil
}

// GetHook retrieves a hook by ID.
func (s *Store) GetHook(ctx context.Context, hookID string) (*world.Hook, error) {
	return getJSON[world.Hook](ctx, s.client, hookKey(hookID), durable.ErrHookNotFound)
}

// GetHookByToken resolves a hook from its resume token.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*world.Hook, error) {
	hookID, err := s.client.HGet(ctx, tokensKey, token).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, durable.ErrHookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get hook token: %w", err)
	}
	return s.GetHook(ctx, hookID)
}

// ListHooks returns hooks ordered by run and call position.
func (s *Store) ListHooks(ctx context.Context, filter world.HookFilter) ([]*world.Hook, error) {
	runIDs, err := s.runScope(ctx, filter.RunID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, runID := range runIDs {
		ids, err := s.client.SMembers(ctx, runHooksKey(runID)).Result()
		if err != nil {
			return nil, fmt.Errorf("durable/redis: list hooks: %w", err)
		}
		for _, id := range ids {
			keys = append(keys, hookKey(id))
		}
	}
	hooks, err := mgetJSON[world.Hook](ctx, s.client, keys)
	if err != nil {
		return nil, err
	}

	out := hooks[:0]
	for _, h := range hooks {
		if filter.PendingOnly && h.Resumed {
			continue
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b *world.Hook) int {
		return cmp.Or(cmp.Compare(a.RunID, b.RunID), cmp.Compare(a.Position, b.Position))
	})
	return world.Paginate(out, filter.Offset, filter.Limit), nil
}
