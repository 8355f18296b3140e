package world

import (
	"encoding/json"
	"time"
)

// RunStatus is the derived lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuspended RunStatus = "suspended"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further events may be appended.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the derived state of a dispatched step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepRetrying  StepStatus = "retrying"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// IsTerminal reports whether the step has produced its final event.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// ErrorInfo is the serialisable form of an application error.
type ErrorInfo struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ErrorInfo) Error() string { return e.Message }

// NewErrorInfo captures err. It returns nil for a nil error.
func NewErrorInfo(err error, kind string) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Message: err.Error(), Kind: kind}
}

// Run is one durable execution of a workflow.
type Run struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	Status       RunStatus       `json:"status"`
	SpecVersion  int             `json:"spec_version"`
	DeploymentID string          `json:"deployment_id"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	LastSeq      int64           `json:"last_seq"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Step is a dispatched step invocation.
type Step struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	Name         string          `json:"name"`
	Position     int             `json:"position"`
	QueueName    string          `json:"queue_name"`
	DeploymentID string          `json:"deployment_id"`
	Status       StepStatus      `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	Attempt      int             `json:"attempt"`
	MaxRetries   int             `json:"max_retries"`
	RetryAfter   *time.Time      `json:"retry_after,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Hook is a token-addressable suspension point.
type Hook struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Token     string          `json:"token"`
	Position  int             `json:"position"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Resumed   bool            `json:"resumed"`
	CreatedAt time.Time       `json:"created_at"`
	ResumedAt *time.Time      `json:"resumed_at,omitempty"`
}

// Wait is a durable sleep.
type Wait struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Position    int        `json:"position"`
	ResumeAt    time.Time  `json:"resume_at"`
	Completed   bool       `json:"completed"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Message is a queued step or workflow invocation.
type Message struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queue_name"`
	Payload        json.RawMessage `json:"payload"`
	DeploymentID   string          `json:"deployment_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DeliveryCount  int             `json:"delivery_count"`
	CreatedAt      time.Time       `json:"created_at"`
	VisibleAt      time.Time       `json:"visible_at"`
}

// Clone returns a copy safe to hand to another goroutine.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Payload = append(json.RawMessage(nil), m.Payload...)
	return &cp
}
