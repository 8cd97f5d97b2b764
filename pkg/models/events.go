package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType labels a lifecycle notification.
type EventType string

const (
	EventRunCompleted     EventType = "run-complete"
	EventRunFailed        EventType = "run-failed"
	EventRunCancelled     EventType = "run-cancelled"
	EventRunDeadLettered  EventType = "run-dead-lettered"
	EventHumanTaskCreated EventType = "human-task-created"
	// EventStepAlert is emitted when categorized error handling asks for a
	// customer notification on a step failure.
	EventStepAlert EventType = "step-alert"
)

// Event is the webhook notification payload. Delivery is at-least-once;
// consumers must be idempotent.
type Event struct {
	Type        EventType   `json:"type"`
	RunID       uuid.UUID   `json:"run_id"`
	Definition  string      `json:"definition"`
	Status      RunStatus   `json:"status"`
	CurrentStep string      `json:"current_step,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       *StepError  `json:"error,omitempty"`
	Progress    Progress    `json:"progress"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Progress summarizes step completion for polling consumers.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}
