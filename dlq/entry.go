package dlq

import (
	"encoding/json"
	"time"
)

// Entry is a dead-lettered queue message.
type Entry struct {
	ID             string          `json:"id"`
	MessageID      string          `json:"message_id"`
	Queue          string          `json:"queue"`
	DeploymentID   string          `json:"deployment_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Error          string          `json:"error"`
	Deliveries     int             `json:"deliveries"`
	FailedAt       time.Time       `json:"failed_at"`
	ReplayedAt     *time.Time      `json:"replayed_at,omitempty"`
}
