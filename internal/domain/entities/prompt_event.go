package entities

import (
	"time"

	"github.com/google/uuid"
)

// PromptEventType represents the kind of prompt event
type PromptEventType string

const (
	PromptEventTypeCreated    PromptEventType = "prompt_created"
	PromptEventTypeTransition PromptEventType = "prompt_transition"
	PromptEventTypeReconciled PromptEventType = "prompt_reconciled"
)

// PromptEvent is published on the event bus whenever a prompt changes
type PromptEvent struct {
	ID         string          `json:"id"`
	PromptID   int64           `json:"prompt_id"`
	PatientID  string          `json:"patient_id"`
	EventType  PromptEventType `json:"event_type"`
	FromStatus PromptStatus    `json:"from_status,omitempty"`
	ToStatus   PromptStatus    `json:"to_status"`
	Version    int64           `json:"version"`
	Actor      string          `json:"actor,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewPromptEvent creates a new prompt event
func NewPromptEvent(prompt *Prompt, eventType PromptEventType, from PromptStatus, actor, reason string) *PromptEvent {
	return &PromptEvent{
		ID:         uuid.NewString(),
		PromptID:   prompt.ID,
		PatientID:  prompt.PatientID,
		EventType:  eventType,
		FromStatus: from,
		ToStatus:   prompt.Status,
		Version:    prompt.Version,
		Actor:      actor,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
}
