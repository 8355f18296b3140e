package world

import (
	"context"
	"encoding/json"
)

// RunFilter selects runs for ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkflowName string
	Status       RunStatus
	DeploymentID string
	Limit        int
	Offset       int
}

// StepFilter selects steps for ListSteps.
type StepFilter struct {
	RunID  string
	Name   string
	Status StepStatus
	Limit  int
	Offset int
}

// EventFilter selects events. RunID is required by ListEvents and
// optional for ListEventsByCorrelationID.
type EventFilter struct {
	RunID    string
	Types    []EventType
	AfterSeq int64
	Limit    int
}

// Matches reports whether ev passes the type and sequence filters.
func (f EventFilter) Matches(ev *Event) bool {
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if ev.Seq <= f.AfterSeq {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// HookFilter selects hooks for ListHooks.
type HookFilter struct {
	RunID string
	// PendingOnly excludes hooks that were already resumed.
	PendingOnly bool
	Limit       int
	Offset      int
}

// CreateEventOptions modifies how an event is encoded.
type CreateEventOptions struct {
	// V1Compat writes the event in the legacy encoding. It is implied for
	// every event of a run created in compatibility mode.
	V1Compat bool
}

// EventResult is returned by CreateEvent.
type EventResult struct {
	Run   *Run
	Event *Event
}

// QueueOptions configures a single send.
type QueueOptions struct {
	DeploymentID   string
	IdempotencyKey string
	DelaySeconds   int
}

// QueueResult is returned by Queue.
type QueueResult struct {
	MessageID string
}

// MessageHandler processes one delivered message. A nil error
// acknowledges the message; any error leaves it for redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Endpoint is a running delivery loop created by CreateQueueHandler.
type Endpoint interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runs reads materialised runs.
type Runs interface {
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// Steps reads materialised steps.
type Steps interface {
	GetStep(ctx context.Context, runID, stepID string) (*Step, error)
	ListSteps(ctx context.Context, filter StepFilter) ([]*Step, error)
}

// Events appends to and reads run event logs.
type Events interface {
	// CreateEvent appends an event atomically. It fails with
	// ErrRunAlreadyExists, ErrRunTerminal, ErrDuplicateEvent,
	// ErrStepNotFound, ErrHookNotFound or ErrWaitNotFound when the event
	// does not fit the run's current state.
	CreateEvent(ctx context.Context, runID string, data *EventData, opts CreateEventOptions) (*EventResult, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	ListEventsByCorrelationID(ctx context.Context, correlationID string, filter EventFilter) ([]*Event, error)
}

// Hooks reads hooks.
type Hooks interface {
	GetHook(ctx context.Context, hookID string) (*Hook, error)
	GetHookByToken(ctx context.Context, token string) (*Hook, error)
	ListHooks(ctx context.Context, filter HookFilter) ([]*Hook, error)
}

// Queue sends and delivers messages.
type Queue interface {
	// Queue stores a message for delivery after opts.DelaySeconds. A
	// repeated idempotency key fails with ErrDuplicateMessage.
	Queue(ctx context.Context, queueName string, payload json.RawMessage, opts QueueOptions) (*QueueResult, error)

	// CreateQueueHandler returns an endpoint delivering messages whose
	// queue name starts with prefix and whose deployment matches the
	// handler's deployment.
	CreateQueueHandler(prefix string, handler MessageHandler, opts ...HandlerOption) (Endpoint, error)
}

// World is the full backend contract.
type World interface {
	Runs
	Steps
	Events
	Hooks
	Queue

	Ping(ctx context.Context) error
	Close() error
}
