package mongo

import (
	"time"

	"github.com/xraph/durable/world"
)

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	ID            string    `bson:"_id"`
	RunID         string    `bson:"run_id"`
	Seq           int64     `bson:"seq"`
	Type          string    `bson:"type"`
	CorrelationID string    `bson:"correlation_id"`
	Payload       []byte    `bson:"payload,omitempty"`
	SpecVersion   int       `bson:"spec_version"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toEventModel(ev *world.Event) *eventModel {
	return &eventModel{
		ID:            ev.ID,
		RunID:         ev.RunID,
		Seq:           ev.Seq,
		Type:          string(ev.Type),
		CorrelationID: ev.CorrelationID,
		Payload:       ev.Payload,
		SpecVersion:   ev.SpecVersion,
		CreatedAt:     ev.CreatedAt,
	}
}

func fromEventModel(m *eventModel) *world.Event {
	return &world.Event{
		ID:            m.ID,
		RunID:         m.RunID,
		Seq:           m.Seq,
		Type:          world.EventType(m.Type),
		CorrelationID: m.CorrelationID,
		Payload:       m.Payload,
		SpecVersion:   m.SpecVersion,
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

// ── Error model ───────────────────────────────────────────────────

type errorModel struct {
	Message string `bson:"message"`
	Kind    string `bson:"kind,omitempty"`
	Stack   string `bson:"stack,omitempty"`
}

func toErrorModel(e *world.ErrorInfo) *errorModel {
	if e == nil {
		return nil
	}
	return &errorModel{Message: e.Message, Kind: e.Kind, Stack: e.Stack}
}

func fromErrorModel(m *errorModel) *world.ErrorInfo {
	if m == nil {
		return nil
	}
	return &world.ErrorInfo{Message: m.Message, Kind: m.Kind, Stack: m.Stack}
}

// ── Run model ─────────────────────────────────────────────────────

type runModel struct {
	ID           string      `bson:"_id"`
	WorkflowName string      `bson:"workflow_name"`
	Status       string      `bson:"status"`
	SpecVersion  int         `bson:"spec_version"`
	DeploymentID string      `bson:"deployment_id"`
	Input        []byte      `bson:"input,omitempty"`
	Output       []byte      `bson:"output,omitempty"`
	Error        *errorModel `bson:"error,omitempty"`
	LastSeq      int64       `bson:"last_seq"`
	CreatedAt    time.Time   `bson:"created_at"`
	StartedAt    *time.Time  `bson:"started_at,omitempty"`
	CompletedAt  *time.Time  `bson:"completed_at,omitempty"`
	UpdatedAt    time.Time   `bson:"updated_at"`
}

func toRunModel(r *world.Run) *runModel {
	return &runModel{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		Status:       string(r.Status),
		SpecVersion:  r.SpecVersion,
		DeploymentID: r.DeploymentID,
		Input:        r.Input,
		Output:       r.Output,
		Error:        toErrorModel(r.Error),
		LastSeq:      r.LastSeq,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromRunModel(m *runModel) *world.Run {
	return &world.Run{
		ID:           m.ID,
		WorkflowName: m.WorkflowName,
		Status:       world.RunStatus(m.Status),
		SpecVersion:  m.SpecVersion,
		DeploymentID: m.DeploymentID,
		Input:        m.Input,
		Output:       m.Output,
		Error:        fromErrorModel(m.Error),
		LastSeq:      m.LastSeq,
		CreatedAt:    m.CreatedAt.UTC(),
		StartedAt:    utcPtr(m.StartedAt),
		CompletedAt:  utcPtr(m.CompletedAt),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

// ── Step model ────────────────────────────────────────────────────

type stepModel struct {
	ID           string      `bson:"_id"`
	RunID        string      `bson:"run_id"`
	Name         string      `bson:"name"`
	Position     int         `bson:"position"`
	QueueName    string      `bson:"queue_name"`
	DeploymentID string      `bson:"deployment_id"`
	Status       string      `bson:"status"`
	Input        []byte      `bson:"input,omitempty"`
	Output       []byte      `bson:"output,omitempty"`
	Error        *errorModel `bson:"error,omitempty"`
	Attempt      int         `bson:"attempt"`
	MaxRetries   int         `bson:"max_retries"`
	RetryAfter   *time.Time  `bson:"retry_after,omitempty"`
	CreatedAt    time.Time   `bson:"created_at"`
	StartedAt    *time.Time  `bson:"started_at,omitempty"`
	CompletedAt  *time.Time  `bson:"completed_at,omitempty"`
}

func toStepModel(st *world.Step) *stepModel {
	return &stepModel{
		ID:           st.ID,
		RunID:        st.RunID,
		Name:         st.Name,
		Position:     st.Position,
		QueueName:    st.QueueName,
		DeploymentID: st.DeploymentID,
		Status:       string(st.Status),
		Input:        st.Input,
		Output:       st.Output,
		Error:        toErrorModel(st.Error),
		Attempt:      st.Attempt,
		MaxRetries:   st.MaxRetries,
		RetryAfter:   st.RetryAfter,
		CreatedAt:    st.CreatedAt,
		StartedAt:    st.StartedAt,
		CompletedAt:  st.CompletedAt,
	}
}

func fromStepModel(m *stepModel) *world.Step {
	return &world.Step{
		ID:           m.ID,
		RunID:        m.RunID,
		Name:         m.Name,
		Position:     m.Position,
		QueueName:    m.QueueName,
		DeploymentID: m.DeploymentID,
		Status:       world.StepStatus(m.Status),
		Input:        m.Input,
		Output:       m.Output,
		Error:        fromErrorModel(m.Error),
		Attempt:      m.Attempt,
		MaxRetries:   m.MaxRetries,
		RetryAfter:   utcPtr(m.RetryAfter),
		CreatedAt:    m.CreatedAt.UTC(),
		StartedAt:    utcPtr(m.StartedAt),
		CompletedAt:  utcPtr(m.CompletedAt),
	}
}

// ── Hook model ────────────────────────────────────────────────────

type hookModel struct {
	ID        string     `bson:"_id"`
	RunID     string     `bson:"run_id"`
	Token     string     `bson:"token"`
	Position  int        `bson:"position"`
	Metadata  []byte     `bson:"metadata,omitempty"`
	Payload   []byte     `bson:"payload,omitempty"`
	Resumed   bool       `bson:"resumed"`
	CreatedAt time.Time  `bson:"created_at"`
	ResumedAt *time.Time `bson:"resumed_at,omitempty"`
}

func toHookModel(h *world.Hook) *hookModel {
	return &hookModel{
		ID:        h.ID,
		RunID:     h.RunID,
		Token:     h.Token,
		Position:  h.Position,
		Metadata:  h.Metadata,
		Payload:   h.Payload,
		Resumed:   h.Resumed,
		CreatedAt: h.CreatedAt,
		ResumedAt: h.ResumedAt,
	}
}

func fromHookModel(m *hookModel) *world.Hook {
	return &world.Hook{
		ID:        m.ID,
		RunID:     m.RunID,
		Token:     m.Token,
		Position:  m.Position,
		Metadata:  m.Metadata,
		Payload:   m.Payload,
		Resumed:   m.Resumed,
		CreatedAt: m.CreatedAt.UTC(),
		ResumedAt: utcPtr(m.ResumedAt),
	}
}

// hookTokenModel reserves a token for one hook across all runs.
type hookTokenModel struct {
	Token  string `bson:"_id"`
	HookID string `bson:"hook_id"`
}

// ── Wait model ────────────────────────────────────────────────────

type waitModel struct {
	ID          string     `bson:"_id"`
	RunID       string     `bson:"run_id"`
	Position    int        `bson:"position"`
	ResumeAt    time.Time  `bson:"resume_at"`
	Completed   bool       `bson:"completed"`
	CreatedAt   time.Time  `bson:"created_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
}

func toWaitModel(w *world.Wait) *waitModel {
	return &waitModel{
		ID:          w.ID,
		RunID:       w.RunID,
		Position:    w.Position,
		ResumeAt:    w.ResumeAt,
		Completed:   w.Completed,
		CreatedAt:   w.CreatedAt,
		CompletedAt: w.CompletedAt,
	}
}

// ── Message model ─────────────────────────────────────────────────

type messageModel struct {
	ID             string    `bson:"_id"`
	QueueName      string    `bson:"queue_name"`
	Payload        []byte    `bson:"payload,omitempty"`
	DeploymentID   string    `bson:"deployment_id"`
	IdempotencyKey string    `bson:"idempotency_key,omitempty"`
	DeliveryCount  int       `bson:"delivery_count"`
	CreatedAt      time.Time `bson:"created_at"`
	VisibleAt      time.Time `bson:"visible_at"`
}

func fromMessageModel(m *messageModel) *world.Message {
	return &world.Message{
		ID:             m.ID,
		QueueName:      m.QueueName,
		Payload:        m.Payload,
		DeploymentID:   m.DeploymentID,
		IdempotencyKey: m.IdempotencyKey,
		DeliveryCount:  m.DeliveryCount,
		CreatedAt:      m.CreatedAt.UTC(),
		VisibleAt:      m.VisibleAt.UTC(),
	}
}

type idempotencyModel struct {
	Key       string    `bson:"_id"`
	MessageID string    `bson:"message_id"`
	CreatedAt time.Time `bson:"created_at"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
