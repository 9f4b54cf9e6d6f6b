package entities

import "time"

// CallbackStatus is the result state carried by a callback message.
type CallbackStatus string

const (
	CallbackStatusSuccess    CallbackStatus = "SUCCESS"
	CallbackStatusFailed     CallbackStatus = "FAILED"
	CallbackStatusProcessing CallbackStatus = "PROCESSING"
	CallbackStatusRetrying   CallbackStatus = "RETRYING"
)

// IsValid reports whether s is a known callback status.
func (s CallbackStatus) IsValid() bool {
	switch s {
	case CallbackStatusSuccess, CallbackStatusFailed, CallbackStatusProcessing, CallbackStatusRetrying:
		return true
	}
	return false
}

// CallbackData is the transient message exchanged with callback listeners
// and received from the execution server. Receivers dedupe on DataID.
type CallbackData struct {
	DataID       string         `json:"dataId"`
	PromptID     int64          `json:"promptId,omitempty"`
	Status       CallbackStatus `json:"status"`
	Result       string         `json:"result,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	RetryCount   int            `json:"retryCount"`
	Timestamp    time.Time      `json:"timestamp"`
}
