package domain

import "encoding/json"

type TaskType string

const (
	DocumentProcess TaskType = "document_process"
)

// Task is one unit of queued work. It is immutable once enqueued; only its
// delivery state (pending, acknowledged, dead-lettered) changes afterwards.
type Task struct {
	// ID is the application-level id assigned at enqueue time. It is used for
	// logging and dead-letter correlation and is distinct from DeliveryID.
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	// DeliveryID is the stream entry id assigned by the queue on delivery.
	// It is required to acknowledge the task.
	DeliveryID string `json:"-"`
}

type DeadLetterEntry struct {
	OriginalID string          `json:"original_id"`
	Type       TaskType        `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
}
