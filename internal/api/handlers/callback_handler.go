package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

const maxCallbackBodyBytes = 1 << 20

// ExecutionCallbackService applies execution results to prompts.
type ExecutionCallbackService interface {
	HandleExecutionCallback(ctx context.Context, data *entities.CallbackData) (*entities.Prompt, error)
}

// CallbackHandler receives result notifications from the execution server.
type CallbackHandler struct {
	service ExecutionCallbackService
	secret  string
}

// NewCallbackHandler creates a callback handler. When secret is non-empty
// every request must carry a matching X-Callback-Signature.
func NewCallbackHandler(service ExecutionCallbackService, secret string) *CallbackHandler {
	return &CallbackHandler{service: service, secret: secret}
}

// HandleExecutionCallback handles POST /api/callbacks/execution
func (h *CallbackHandler) HandleExecutionCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if h.secret != "" && !services.VerifyCallbackSignature(body, h.secret, r.Header.Get("X-Callback-Signature")) {
		log.Warn().Str("remote_addr", clientIP(r)).Msg("Rejected execution callback with invalid signature")
		respondWithError(w, http.StatusUnauthorized, "invalid callback signature")
		return
	}

	var data entities.CallbackData
	if err := json.Unmarshal(body, &data); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	prompt, err := h.service.HandleExecutionCallback(r.Context(), &data)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status": "accepted",
		"prompt": prompt,
	})
}
