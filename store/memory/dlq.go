package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/xraph/durable/dlq"
	"github.com/xraph/durable/world"
)

func cloneEntry(e *dlq.Entry) *dlq.Entry {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		cp.ReplayedAt = &t
	}
	return &cp
}

// PushDLQ implements dlq.Store.
func (s *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq[entry.ID] = cloneEntry(entry)
	return nil
}

// ListDLQ implements dlq.Store.
func (s *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*dlq.Entry
	for _, e := range s.dlq {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	slices.SortFunc(out, func(a, b *dlq.Entry) int {
		return cmp.Or(a.FailedAt.Compare(b.FailedAt), cmp.Compare(a.ID, b.ID))
	})
	return world.Paginate(out, opts.Offset, opts.Limit), nil
}

// GetDLQ implements dlq.Store.
func (s *Store) GetDLQ(_ context.Context, entryID string) (*dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.dlq[entryID]
	if !ok {
		return nil, dlq.ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

// ReplayDLQ implements dlq.Store.
func (s *Store) ReplayDLQ(_ context.Context, entryID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[entryID]
	if !ok {
		return dlq.ErrEntryNotFound
	}
	e.ReplayedAt = &at
	return nil
}

// PurgeDLQ implements dlq.Store.
func (s *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for entryID, e := range s.dlq {
		if e.FailedAt.Before(before) {
			delete(s.dlq, entryID)
			n++
		}
	}
	return n, nil
}

// CountDLQ implements dlq.Store.
func (s *Store) CountDLQ(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.dlq)), nil
}
