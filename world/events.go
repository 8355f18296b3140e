package world

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an entry in a run's event log.
type EventType string

const (
	EventRunCreated     EventType = "run_created"
	EventRunStarted     EventType = "run_started"
	EventStepDispatched EventType = "step_dispatched"
	EventStepStarted    EventType = "step_started"
	EventStepRetrying   EventType = "step_retrying"
	EventStepCompleted  EventType = "step_completed"
	EventStepFailed     EventType = "step_failed"
	EventSleepStarted   EventType = "sleep_started"
	EventSleepCompleted EventType = "sleep_completed"
	EventHookCreated    EventType = "hook_created"
	EventHookResumed    EventType = "hook_resumed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunCancelled   EventType = "run_cancelled"
)

// Positional reports whether the event claims a call-site position in the
// workflow's execution order.
func (t EventType) Positional() bool {
	return t == EventStepDispatched || t == EventSleepStarted || t == EventHookCreated
}

// Terminal reports whether the event ends the run.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed || t == EventRunCancelled
}

// Event is an immutable entry in a run's log.
type Event struct {
	ID            string          `json:"id"`
	RunID         string          `json:"run_id"`
	Seq           int64           `json:"seq"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SpecVersion   int             `json:"spec_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("world: decode %s payload (seq %d): %w", e.Type, e.Seq, err)
	}
	return nil
}

// EventData is what a caller asks CreateEvent to append.
type EventData struct {
	Type          EventType
	CorrelationID string
	Payload       json.RawMessage
}

// NewEventData marshals payload into an EventData.
func NewEventData(typ EventType, correlationID string, payload any) (*EventData, error) {
	ed := &EventData{Type: typ, CorrelationID: correlationID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("world: encode %s payload: %w", typ, err)
		}
		ed.Payload = b
	}
	return ed, nil
}

// Event payloads. Serialised user values (inputs, outputs, hook payloads)
// are already in serde wire form and are carried as raw JSON.

type RunCreatedPayload struct {
	WorkflowName string          `json:"workflow_name"`
	DeploymentID string          `json:"deployment_id"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type StepDispatchedPayload struct {
	Name         string          `json:"name"`
	Position     int             `json:"position"`
	QueueName    string          `json:"queue_name"`
	DeploymentID string          `json:"deployment_id"`
	Input        json.RawMessage `json:"input,omitempty"`
	MaxRetries   int             `json:"max_retries"`
}

type StepStartedPayload struct {
	Attempt int `json:"attempt"`
}

type StepRetryingPayload struct {
	Attempt    int        `json:"attempt"`
	Error      *ErrorInfo `json:"error"`
	RetryAfter time.Time  `json:"retry_after"`
}

type StepCompletedPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

type StepFailedPayload struct {
	Error *ErrorInfo `json:"error"`
}

type SleepStartedPayload struct {
	Position int       `json:"position"`
	ResumeAt time.Time `json:"resume_at"`
}

type HookCreatedPayload struct {
	Position int             `json:"position"`
	Token    string          `json:"token"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type HookResumedPayload struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RunCompletedPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

type RunFailedPayload struct {
	Error *ErrorInfo `json:"error"`
}

type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}
