package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// PromptStatus is the lifecycle state of a prompt.
type PromptStatus string

const (
	PromptStatusPending   PromptStatus = "PENDING"
	PromptStatusSubmitted PromptStatus = "SUBMITTED"
	PromptStatusCompleted PromptStatus = "COMPLETED"
	PromptStatusFailed    PromptStatus = "FAILED"
)

// DefaultPromptPriority is stamped on newly created prompts.
const DefaultPromptPriority = 1

// promptTransitions lists the allowed edges of the lifecycle.
var promptTransitions = map[PromptStatus][]PromptStatus{
	PromptStatusPending:   {PromptStatusSubmitted},
	PromptStatusSubmitted: {PromptStatusCompleted, PromptStatusFailed, PromptStatusPending},
}

// ParsePromptStatus normalizes s and reports whether it is a known status.
func ParsePromptStatus(s string) (PromptStatus, bool) {
	status := PromptStatus(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.IsValid()
}

// IsValid reports whether s is one of the four lifecycle states.
func (s PromptStatus) IsValid() bool {
	switch s {
	case PromptStatusPending, PromptStatusSubmitted, PromptStatusCompleted, PromptStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further processing happens in state s.
func (s PromptStatus) IsTerminal() bool {
	return s == PromptStatusCompleted || s == PromptStatusFailed
}

// CanTransitionTo reports whether from -> to is an edge of the lifecycle.
func (s PromptStatus) CanTransitionTo(to PromptStatus) bool {
	for _, next := range promptTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Prompt is a unit of AI-analysis work tied to a patient and a template.
type Prompt struct {
	ID               int64        `json:"prompt_id" db:"id"`
	PatientID        string       `json:"patient_id" db:"patient_id"`
	TemplateName     string       `json:"template_name" db:"template_name"`
	ObjectiveContent string       `json:"objective_content" db:"objective_content"`
	DailyRecords     string       `json:"daily_records" db:"daily_records"`
	TemplateContent  string       `json:"template_content" db:"template_content"`
	ContentHash      string       `json:"content_hash" db:"content_hash"`
	Status           PromptStatus `json:"status_name" db:"status_name"`
	SubmissionTime   time.Time    `json:"submission_time" db:"submission_time"`
	Priority         int          `json:"priority" db:"priority"`
	Version          int64        `json:"version" db:"version"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// PromptContent is the tuple that identifies a prompt for deduplication.
type PromptContent struct {
	PatientID        string `json:"patient_id"`
	TemplateName     string `json:"template_name"`
	ObjectiveContent string `json:"objective_content"`
	DailyRecords     string `json:"daily_records"`
	TemplateContent  string `json:"template_content"`
}

// Hash returns a stable SHA-256 over the content tuple. Fields are length
// prefixed so that shifting text between fields changes the hash.
func (c PromptContent) Hash() string {
	h := sha256.New()
	for _, field := range []string{c.PatientID, c.TemplateName, c.ObjectiveContent, c.DailyRecords, c.TemplateContent} {
		h.Write([]byte(strconv.Itoa(len(field))))
		h.Write([]byte{':'})
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RequestID derives the execution-server join key for a prompt id.
func RequestID(prefix string, promptID int64) string {
	return prefix + strconv.FormatInt(promptID, 10)
}

// PromptIDFromRequestID reverses RequestID. ok is false for foreign ids.
func PromptIDFromRequestID(prefix, requestID string) (int64, bool) {
	if !strings.HasPrefix(requestID, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(requestID, prefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PromptTransition is the audit record of one committed status change.
type PromptTransition struct {
	PromptID   int64        `json:"prompt_id" db:"prompt_id"`
	FromStatus PromptStatus `json:"from_status" db:"from_status"`
	ToStatus   PromptStatus `json:"to_status" db:"to_status"`
	Version    int64        `json:"version" db:"version"`
	Actor      string       `json:"actor" db:"actor"`
	Reason     string       `json:"reason" db:"reason"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}
