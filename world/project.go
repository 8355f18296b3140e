package world

import (
	"fmt"
	"time"

	"github.com/xraph/durable"
)

// Call is a call site recorded at a position of the workflow's execution
// order: a dispatched step, a started sleep or a created hook.
type Call struct {
	Position int
	Type     EventType
	// ID is the step, wait or hook ID. It is also the correlation ID of
	// every event that concerns the call.
	ID string
	// Name is the step name. Sleeps and hooks have none.
	Name string
}

// Change describes what a single applied event touched. Backends persist
// the event and the rows it carries in one atomic write.
type Change struct {
	Event *Event
	Run   *Run
	Step  *Step
	Hook  *Hook
	Wait  *Wait
}

// Snapshot is the state of a run derived from its event log.
type Snapshot struct {
	Run   *Run
	Steps map[string]*Step
	Hooks map[string]*Hook
	Waits map[string]*Wait
	Calls []*Call

	lastCreatedAt time.Time
	outstanding   int
	tokens        map[string]string
}

// NewSnapshot returns the empty projection of a run that does not exist yet.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Steps:  make(map[string]*Step),
		Hooks:  make(map[string]*Hook),
		Waits:  make(map[string]*Wait),
		tokens: make(map[string]string),
	}
}

// Project folds events, in sequence order, into a Snapshot.
func Project(events []*Event) (*Snapshot, error) {
	s := NewSnapshot()
	for _, ev := range events {
		if _, err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LastSeq returns the sequence number of the last applied event.
func (s *Snapshot) LastSeq() int64 {
	if s.Run == nil {
		return 0
	}
	return s.Run.LastSeq
}

// LastEventAt returns the timestamp of the last applied event.
func (s *Snapshot) LastEventAt() time.Time { return s.lastCreatedAt }

// Outstanding returns the number of steps, sleeps and hooks the run is
// still waiting on.
func (s *Snapshot) Outstanding() int { return s.outstanding }

// CallAt returns the call recorded at position, if any.
func (s *Snapshot) CallAt(position int) (*Call, bool) {
	if position < 0 || position >= len(s.Calls) {
		return nil, false
	}
	return s.Calls[position], true
}

// PendingWaits returns the sleeps that have not completed, in position order.
func (s *Snapshot) PendingWaits() []*Wait {
	var out []*Wait
	for _, c := range s.Calls {
		if c.Type != EventSleepStarted {
			continue
		}
		if w := s.Waits[c.ID]; w != nil && !w.Completed {
			out = append(out, w)
		}
	}
	return out
}

// PendingSteps returns dispatched steps that have not terminated, in
// position order.
func (s *Snapshot) PendingSteps() []*Step {
	var out []*Step
	for _, c := range s.Calls {
		if c.Type != EventStepDispatched {
			continue
		}
		if st := s.Steps[c.ID]; st != nil && !st.Status.IsTerminal() {
			out = append(out, st)
		}
	}
	return out
}

// Apply validates ev against the current state and folds it in. The
// snapshot is left untouched when an error is returned.
func (s *Snapshot) Apply(ev *Event) (*Change, error) {
	if ev.Seq != s.LastSeq()+1 {
		return nil, fmt.Errorf("%w: run %s expected seq %d, got %d",
			durable.ErrSequenceConflict, ev.RunID, s.LastSeq()+1, ev.Seq)
	}
	if s.Run == nil {
		if ev.Type != EventRunCreated {
			return nil, fmt.Errorf("%w: %s before run_created", durable.ErrRunNotFound, ev.Type)
		}
	} else {
		if ev.Type == EventRunCreated {
			return nil, fmt.Errorf("%w: %s", durable.ErrRunAlreadyExists, ev.RunID)
		}
		if s.Run.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", durable.ErrRunTerminal, ev.RunID, s.Run.Status)
		}
	}

	ch := &Change{Event: ev}
	var err error
	switch ev.Type {
	case EventRunCreated:
		err = s.applyRunCreated(ev)
	case EventRunStarted:
		err = s.applyRunStarted(ev)
	case EventStepDispatched:
		ch.Step, err = s.applyStepDispatched(ev)
	case EventStepStarted, EventStepRetrying, EventStepCompleted, EventStepFailed:
		ch.Step, err = s.applyStepEvent(ev)
	case EventSleepStarted:
		ch.Wait, err = s.applySleepStarted(ev)
	case EventSleepCompleted:
		ch.Wait, err = s.applySleepCompleted(ev)
	case EventHookCreated:
		ch.Hook, err = s.applyHookCreated(ev)
	case EventHookResumed:
		ch.Hook, err = s.applyHookResumed(ev)
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		err = s.applyTerminal(ev)
	default:
		err = fmt.Errorf("%w: unknown event type %q", durable.ErrInvalidTransition, ev.Type)
	}
	if err != nil {
		return nil, err
	}

	s.Run.LastSeq = ev.Seq
	s.Run.UpdatedAt = ev.CreatedAt
	if ev.CreatedAt.After(s.lastCreatedAt) {
		s.lastCreatedAt = ev.CreatedAt
	}
	s.refreshStatus()
	ch.Run = s.Run
	return ch, nil
}

func (s *Snapshot) refreshStatus() {
	switch s.Run.Status {
	case RunRunning, RunSuspended:
		if s.outstanding > 0 {
			s.Run.Status = RunSuspended
		} else {
			s.Run.Status = RunRunning
		}
	}
}

func (s *Snapshot) requireStarted(ev *Event) error {
	if s.Run.Status == RunPending {
		return fmt.Errorf("%w: %s on a run that has not started", durable.ErrInvalidTransition, ev.Type)
	}
	return nil
}

func (s *Snapshot) applyRunCreated(ev *Event) error {
	var p RunCreatedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return err
	}
	if p.WorkflowName == "" {
		return fmt.Errorf("%w: run_created without workflow name", durable.ErrInvalidTransition)
	}
	s.Run = &Run{
		ID:           ev.RunID,
		WorkflowName: p.WorkflowName,
		Status:       RunPending,
		SpecVersion:  ev.SpecVersion,
		DeploymentID: p.DeploymentID,
		Input:        p.Input,
		CreatedAt:    ev.CreatedAt,
	}
	return nil
}

func (s *Snapshot) applyRunStarted(ev *Event) error {
	if s.Run.Status != RunPending {
		return fmt.Errorf("%w: run_started while %s", durable.ErrInvalidTransition, s.Run.Status)
	}
	at := ev.CreatedAt
	s.Run.Status = RunRunning
	s.Run.StartedAt = &at
	return nil
}

func (s *Snapshot) claimPosition(ev *Event, position int) error {
	if err := s.requireStarted(ev); err != nil {
		return err
	}
	if ev.CorrelationID == "" {
		return fmt.Errorf("%w: %s without correlation id", durable.ErrInvalidTransition, ev.Type)
	}
	if position < len(s.Calls) {
		return fmt.Errorf("%w: position %d already holds %s", durable.ErrDuplicateEvent, position, s.Calls[position].Type)
	}
	if position > len(s.Calls) {
		return fmt.Errorf("%w: position %d skips ahead of %d", durable.ErrInvalidTransition, position, len(s.Calls))
	}
	if s.Steps[ev.CorrelationID] != nil || s.Waits[ev.CorrelationID] != nil || s.Hooks[ev.CorrelationID] != nil {
		return fmt.Errorf("%w: correlation id %s already used", durable.ErrDuplicateEvent, ev.CorrelationID)
	}
	return nil
}

func (s *Snapshot) applyStepDispatched(ev *Event) (*Step, error) {
	var p StepDispatchedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := s.claimPosition(ev, p.Position); err != nil {
		return nil, err
	}
	st := &Step{
		ID:           ev.CorrelationID,
		RunID:        ev.RunID,
		Name:         p.Name,
		Position:     p.Position,
		QueueName:    p.QueueName,
		DeploymentID: p.DeploymentID,
		Status:       StepPending,
		Input:        p.Input,
		MaxRetries:   p.MaxRetries,
		CreatedAt:    ev.CreatedAt,
	}
	s.Steps[st.ID] = st
	s.Calls = append(s.Calls, &Call{Position: p.Position, Type: ev.Type, ID: st.ID, Name: p.Name})
	s.outstanding++
	return st, nil
}

func (s *Snapshot) applyStepEvent(ev *Event) (*Step, error) {
	st := s.Steps[ev.CorrelationID]
	if st == nil {
		return nil, fmt.Errorf("%w: %s", durable.ErrStepNotFound, ev.CorrelationID)
	}
	if st.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s for step %s which is %s", durable.ErrDuplicateEvent, ev.Type, st.ID, st.Status)
	}

	// Decode before mutating so a bad payload leaves the step untouched.
	next := *st
	at := ev.CreatedAt
	switch ev.Type {
	case EventStepStarted:
		var p StepStartedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		next.Status = StepRunning
		next.Attempt = p.Attempt
		next.RetryAfter = nil
		if next.StartedAt == nil {
			next.StartedAt = &at
		}
	case EventStepRetrying:
		var p StepRetryingPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		retryAfter := p.RetryAfter
		next.Status = StepRetrying
		next.Error = p.Error
		next.RetryAfter = &retryAfter
		if p.Attempt > next.Attempt {
			next.Attempt = p.Attempt
		}
	case EventStepCompleted:
		var p StepCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		next.Status = StepCompleted
		next.Output = p.Output
		next.Error = nil
		next.RetryAfter = nil
		next.CompletedAt = &at
	case EventStepFailed:
		var p StepFailedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return nil, err
		}
		next.Status = StepFailed
		next.Error = p.Error
		next.RetryAfter = nil
		next.CompletedAt = &at
	}

	*st = next
	if st.Status.IsTerminal() {
		s.outstanding--
	}
	return st, nil
}

func (s *Snapshot) applySleepStarted(ev *Event) (*Wait, error) {
	var p SleepStartedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return nil, err
	}
	if err := s.claimPosition(ev, p.Position); err != nil {
		return nil, err
	}
	w := &Wait{
		ID:        ev.CorrelationID,
		RunID:     ev.RunID,
		Position:  p.Position,
		ResumeAt:  p.ResumeAt,
		CreatedAt: ev.CreatedAt,
	}
	s.Waits[w.ID] = w
	s.Calls = append(s.Calls, &Call{Position: p.Position, Type: ev.Type, ID: w.ID})
	s.outstanding++
	return w, nil
}

func (s *Snapshot) applySleepCompleted(ev *Event) (*Wait, error) {
	w := s.Waits[ev.CorrelationID]
	if w == nil {
		return nil, fmt.Errorf("%w: %s", durable.ErrWaitNotFound, ev.CorrelationID)
	}
	if w.Completed {
		return nil, fmt.Errorf("%w: sleep %s already completed", durable.ErrDuplicateEvent, w.ID)
	}
	at := ev.CreatedAt
	w.Completed = true
	w.CompletedAt = &at
	s.outstanding--
	return w, nil
}

func (s *Snapshot) applyHookCreated(ev *Event) (*Hook, error) {
	var p HookCreatedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, fmt.Errorf("%w: hook_created without token", durable.ErrInvalidTransition)
	}
	if err := s.claimPosition(ev, p.Position); err != nil {
		return nil, err
	}
	if _, taken := s.tokens[p.Token]; taken {
		return nil, durable.ErrHookTokenConflict
	}
	h := &Hook{
		ID:        ev.CorrelationID,
		RunID:     ev.RunID,
		Token:     p.Token,
		Position:  p.Position,
		Metadata:  p.Metadata,
		CreatedAt: ev.CreatedAt,
	}
	s.Hooks[h.ID] = h
	s.tokens[h.Token] = h.ID
	s.Calls = append(s.Calls, &Call{Position: p.Position, Type: ev.Type, ID: h.ID})
	s.outstanding++
	return h, nil
}

func (s *Snapshot) applyHookResumed(ev *Event) (*Hook, error) {
	h := s.Hooks[ev.CorrelationID]
	if h == nil {
		return nil, fmt.Errorf("%w: %s", durable.ErrHookNotFound, ev.CorrelationID)
	}
	if h.Resumed {
		return nil, fmt.Errorf("%w: hook %s already resumed", durable.ErrDuplicateEvent, h.ID)
	}
	var p HookResumedPayload
	if err := ev.DecodePayload(&p); err != nil {
		return nil, err
	}
	at := ev.CreatedAt
	h.Resumed = true
	h.Payload = p.Payload
	h.ResumedAt = &at
	s.outstanding--
	return h, nil
}

func (s *Snapshot) applyTerminal(ev *Event) error {
	switch ev.Type {
	case EventRunCompleted:
		if err := s.requireStarted(ev); err != nil {
			return err
		}
		var p RunCompletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		s.Run.Status = RunCompleted
		s.Run.Output = p.Output
	case EventRunFailed:
		var p RunFailedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		s.Run.Status = RunFailed
		s.Run.Error = p.Error
	case EventRunCancelled:
		s.Run.Status = RunCancelled
	}
	at := ev.CreatedAt
	s.Run.CompletedAt = &at
	return nil
}
