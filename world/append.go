package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
)

// EventLog is the primitive a backend implements so CreateEvent can share
// one validation path.
type EventLog interface {
	// LoadEvents returns the run's events in sequence order.
	LoadEvents(ctx context.Context, runID string) ([]*Event, error)

	// AppendEvent persists ch atomically. It must fail with
	// ErrSequenceConflict when the stored log no longer ends at
	// ch.Event.Seq-1.
	AppendEvent(ctx context.Context, ch *Change) error
}

// maxAppendAttempts bounds compare-and-append retries under contention.
const maxAppendAttempts = 16

// AppendEvent loads the run, validates data against its projection and
// appends it with a sequence guard, retrying when another writer won the
// race.
func AppendEvent(ctx context.Context, log EventLog, runID string, data *EventData, opts CreateEventOptions) (*EventResult, error) {
	if runID == "" {
		return nil, fmt.Errorf("world: create event: %w", durable.ErrRunNotFound)
	}
	if data == nil {
		return nil, errors.New("world: create event: nil event data")
	}

	for range maxAppendAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events, err := log.LoadEvents(ctx, runID)
		if err != nil {
			return nil, err
		}
		snap, err := Project(events)
		if err != nil {
			return nil, fmt.Errorf("world: project run %s: %w", runID, err)
		}

		ev := &Event{
			ID:            id.NewEventID().String(),
			RunID:         runID,
			Seq:           snap.LastSeq() + 1,
			Type:          data.Type,
			CorrelationID: data.CorrelationID,
			Payload:       data.Payload,
			SpecVersion:   specVersionFor(snap, opts),
			CreatedAt:     nextTimestamp(snap),
		}
		ch, err := snap.Apply(ev)
		if err != nil {
			return nil, err
		}

		err = log.AppendEvent(ctx, ch)
		if errors.Is(err, durable.ErrSequenceConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		run := *ch.Run
		return &EventResult{Run: &run, Event: ev}, nil
	}

	return nil, fmt.Errorf("world: append to run %s: %w after %d attempts",
		runID, durable.ErrSequenceConflict, maxAppendAttempts)
}

func specVersionFor(snap *Snapshot, opts CreateEventOptions) int {
	if opts.V1Compat {
		return durable.SpecVersionLegacy
	}
	if snap.Run != nil && durable.IsLegacySpecVersion(snap.Run.SpecVersion) {
		return durable.SpecVersionLegacy
	}
	return durable.SpecVersionCurrent
}

// nextTimestamp keeps event times non-decreasing within a run so the
// workflow clock never runs backwards on replay.
func nextTimestamp(snap *Snapshot) time.Time {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if last := snap.LastEventAt(); !now.After(last) {
		return last.Add(time.Millisecond)
	}
	return now
}

// Paginate applies offset and limit to a slice.
func Paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
