package providers

import (
	"context"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// ExecutionRequest is the submission payload accepted by the execution server.
type ExecutionRequest struct {
	RequestID    string `json:"requestId"`
	PatientID    string `json:"patientId"`
	TemplateName string `json:"templateName"`
	Priority     int    `json:"priority"`
	Payload      []byte `json:"payload"`
}

// ExecutionServer is the decoupled decryption/execution server. Submit is
// fire-and-forget; results arrive by callback or in the remote store.
type ExecutionServer interface {
	Submit(ctx context.Context, req *ExecutionRequest) error
	Health(ctx context.Context) (bool, error)
	BaseURL() string
	SetBaseURL(baseURL string) error
}

// CallbackNotifier delivers terminal prompt results to listeners.
type CallbackNotifier interface {
	Dispatch(ctx context.Context, data *entities.CallbackData) bool
	DispatchAsync(ctx context.Context, data *entities.CallbackData) <-chan bool
}
