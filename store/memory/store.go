// Package memory provides an in-memory World for testing and development.
// All data lives in Go maps protected by a single RWMutex. It is not
// durable across process restarts.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/dlq"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/worker"
	"github.com/xraph/durable/world"
)

// Compile-time interface checks.
var (
	_ world.World    = (*Store)(nil)
	_ world.EventLog = (*Store)(nil)
	_ worker.Source  = (*Store)(nil)
	_ dlq.Store      = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger handed to queue handlers that do not bring
// their own.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces the clock used for message visibility. Tests use it
// to make delayed messages due without waiting.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Store is a fully in-memory implementation of world.World.
type Store struct {
	mu sync.RWMutex

	events   map[string][]*world.Event
	runs     map[string]*world.Run
	steps    map[string]*world.Step
	hooks    map[string]*world.Hook
	tokens   map[string]string
	waits    map[string]*world.Wait
	messages map[string]*world.Message
	keys     map[string]string
	dlq      map[string]*dlq.Entry

	closed bool
	logger *slog.Logger
	clock  func() time.Time
}

// New returns a new empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		events:   make(map[string][]*world.Event),
		runs:     make(map[string]*world.Run),
		steps:    make(map[string]*world.Step),
		hooks:    make(map[string]*world.Hook),
		tokens:   make(map[string]string),
		waits:    make(map[string]*world.Wait),
		messages: make(map[string]*world.Message),
		keys:     make(map[string]string),
		dlq:      make(map[string]*dlq.Entry),
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return durable.ErrWorldClosed
	}
	return nil
}

// Close marks the store closed. Reads keep working so tests can inspect
// state after shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) now() time.Time { return s.clock().UTC() }

// ──────────────────────────────────────────────────
// Event log
// ──────────────────────────────────────────────────

// LoadEvents returns the run's events in sequence order.
func (s *Store) LoadEvents(_ context.Context, runID string) ([]*world.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[runID]), nil
}

// AppendEvent stores ch if the run's log still ends at ch.Event.Seq-1.
func (s *Store) AppendEvent(_ context.Context, ch *world.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return durable.ErrWorldClosed
	}
	ev := ch.Event
	if int64(len(s.events[ev.RunID])) != ev.Seq-1 {
		return durable.ErrSequenceConflict
	}
	if ev.Type == world.EventHookCreated && ch.Hook != nil {
		if owner, ok := s.tokens[ch.Hook.Token]; ok && owner != ch.Hook.ID {
			return durable.ErrHookTokenConflict
		}
		s.tokens[ch.Hook.Token] = ch.Hook.ID
	}

	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	if ch.Run != nil {
		run := *ch.Run
		s.runs[run.ID] = &run
	}
	if ch.Step != nil {
		st := *ch.Step
		s.steps[st.ID] = &st
	}
	if ch.Hook != nil {
		h := *ch.Hook
		s.hooks[h.ID] = &h
	}
	if ch.Wait != nil {
		w := *ch.Wait
		s.waits[w.ID] = &w
	}
	return nil
}

// CreateEvent validates data against the run's projection and appends it.
func (s *Store) CreateEvent(ctx context.Context, runID string, data *world.EventData, opts world.CreateEventOptions) (*world.EventResult, error) {
	return world.AppendEvent(ctx, s, runID, data, opts)
}

// ListEvents returns one run's events filtered by type and sequence.
func (s *Store) ListEvents(_ context.Context, filter world.EventFilter) ([]*world.Event, error) {
	if filter.RunID == "" {
		return nil, fmt.Errorf("memory: list events: %w", durable.ErrRunNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*world.Event
	for _, ev := range s.events[filter.RunID] {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return world.Paginate(out, 0, filter.Limit), nil
}

// ListEventsByCorrelationID returns every event sharing correlationID,
// ordered by run and sequence.
func (s *Store) ListEventsByCorrelationID(_ context.Context, correlationID string, filter world.EventFilter) ([]*world.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*world.Event
	for runID, events := range s.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, ev := range events {
			if ev.CorrelationID == correlationID && filter.Matches(ev) {
				out = append(out, ev)
			}
		}
	}
	slices.SortFunc(out, func(a, b *world.Event) int {
		return cmp.Or(cmp.Compare(a.RunID, b.RunID), cmp.Compare(a.Seq, b.Seq))
	})
	return world.Paginate(out, 0, filter.Limit), nil
}

// ──────────────────────────────────────────────────
// Runs, steps and hooks
// ──────────────────────────────────────────────────

// GetRun returns a copy of the run.
func (s *Store) GetRun(_ context.Context, runID string) (*world.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(_ context.Context, filter world.RunFilter) ([]*world.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*world.Run
	for _, r := range s.runs {
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.DeploymentID != "" && r.DeploymentID != filter.DeploymentID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *world.Run) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
	})
	return world.Paginate(out, filter.Offset, filter.Limit), nil
}

// GetStep returns a copy of the step if it belongs to runID.
func (s *Store) GetStep(_ context.Context, runID, stepID string) (*world.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[stepID]
	if !ok || st.RunID != runID {
		return nil, durable.ErrStepNotFound
	}
	cp := *st
	return &cp, nil
}

// ListSteps returns steps ordered by run and call position.
func (s *Store) ListSteps(_ context.Context, filter world.StepFilter) ([]*world.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*world.Step
	for _, st := range s.steps {
		if filter.RunID != "" && st.RunID != filter.RunID {
			continue
		}
		if filter.Name != "" && st.Name != filter.Name {
			continue
		}
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *world.Step) int {
		return cmp.Or(cmp.Compare(a.RunID, b.RunID), cmp.Compare(a.Position, b.Position))
	})
	return world.Paginate(out, filter.Offset, filter.Limit), nil
}

// GetHook returns a copy of the hook.
func (s *Store) GetHook(_ context.Context, hookID string) (*world.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hooks[hookID]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	cp := *h
	return &cp, nil
}

// GetHookByToken resolves a hook from its resume token.
func (s *Store) GetHookByToken(_ context.Context, token string) (*world.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hookID, ok := s.tokens[token]
	if !ok {
		return nil, durable.ErrHookNotFound
	}
	cp := *s.hooks[hookID]
	return &cp, nil
}

// ListHooks returns hooks ordered by run and call position.
func (s *Store) ListHooks(_ context.Context, filter world.HookFilter) ([]*world.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*world.Hook
	for _, h := range s.hooks {
		if filter.RunID != "" && h.RunID != filter.RunID {
			continue
		}
		if filter.PendingOnly && h.Resumed {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *world.Hook) int {
		return cmp.Or(cmp.Compare(a.RunID, b.RunID), cmp.Compare(a.Position, b.Position))
	})
	return world.Paginate(out, filter.Offset, filter.Limit), nil
}

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

// Queue stores a message that becomes visible after opts.DelaySeconds.
func (s *Store) Queue(_ context.Context, queueName string, payload json.RawMessage, opts world.QueueOptions) (*world.QueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, durable.ErrWorldClosed
	}
	if opts.IdempotencyKey != "" {
		if _, dup := s.keys[opts.IdempotencyKey]; dup {
			return nil, durable.ErrDuplicateMessage
		}
	}

	now := s.now()
	msg := &world.Message{
		ID:             id.NewMessageID().String(),
		QueueName:      queueName,
		Payload:        append(json.RawMessage(nil), payload...),
		DeploymentID:   opts.DeploymentID,
		IdempotencyKey: opts.IdempotencyKey,
		CreatedAt:      now,
		VisibleAt:      now.Add(time.Duration(opts.DelaySeconds) * time.Second),
	}
	s.messages[msg.ID] = msg
	if opts.IdempotencyKey != "" {
		s.keys[opts.IdempotencyKey] = msg.ID
	}
	return &world.QueueResult{MessageID: msg.ID}, nil
}

// CreateQueueHandler returns a worker pool polling this store.
func (s *Store) CreateQueueHandler(prefix string, handler world.MessageHandler, opts ...world.HandlerOption) (world.Endpoint, error) {
	cfg := world.NewHandlerConfig(opts...)
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	return worker.NewPool(s, prefix, handler, cfg), nil
}

// Receive claims visible messages under prefix for deploymentID, oldest
// first.
func (s *Store) Receive(_ context.Context, prefix, deploymentID string, limit int, visibility time.Duration) ([]*world.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*world.Message
	for _, m := range s.messages {
		if !strings.HasPrefix(m.QueueName, prefix) || m.DeploymentID != deploymentID {
			continue
		}
		if m.VisibleAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	slices.SortFunc(due, func(a, b *world.Message) int {
		return cmp.Or(a.VisibleAt.Compare(b.VisibleAt), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*world.Message, 0, len(due))
	for _, m := range due {
		m.DeliveryCount++
		m.VisibleAt = now.Add(visibility)
		out = append(out, m.Clone())
	}
	return out, nil
}

// Ack deletes a delivered message. Its idempotency key stays reserved.
func (s *Store) Ack(_ context.Context, msg *world.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, msg.ID)
	return nil
}

// Nack makes a delivered message visible again after delay.
func (s *Store) Nack(_ context.Context, msg *world.Message, delay time.Duration) error {
	return s.setVisible(msg.ID, delay)
}

// Extend hides an in-flight message for another visibility period.
func (s *Store) Extend(_ context.Context, msg *world.Message, visibility time.Duration) error {
	return s.setVisible(msg.ID, visibility)
}

// Defer hands a claimed message back after delay without counting the
// claim as a delivery.
func (s *Store) Defer(_ context.Context, msg *world.Message, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.messages[msg.ID]; ok {
		m.DeliveryCount = max(0, m.DeliveryCount-1)
		m.VisibleAt = s.now().Add(delay)
	}
	return nil
}

func (s *Store) setVisible(msgID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An acknowledged message is gone; there is nothing to hide.
	if m, ok := s.messages[msgID]; ok {
		m.VisibleAt = s.now().Add(d)
	}
	return nil
}

// Messages returns copies of every undelivered or in-flight message,
// ordered by visibility.
func (s *Store) Messages() []*world.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*world.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	slices.SortFunc(out, func(a, b *world.Message) int {
		return cmp.Or(a.VisibleAt.Compare(b.VisibleAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}
