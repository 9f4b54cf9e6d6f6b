package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

const defaultListLimit = 50

// PromptService defines the lifecycle operations used by the prompt handlers.
type PromptService interface {
	CreateOrGetPrompt(ctx context.Context, req services.CreatePromptRequest) (*entities.Prompt, bool, error)
	GetPrompt(ctx context.Context, id int64) (*entities.Prompt, error)
	ListPrompts(ctx context.Context, status entities.PromptStatus, limit, offset int) ([]*entities.Prompt, error)
	ListTransitions(ctx context.Context, id int64) ([]*entities.PromptTransition, error)
	SubmitPrompt(ctx context.Context, id int64, actor string) (*entities.Prompt, error)
	TransitionStatus(ctx context.Context, id int64, status entities.PromptStatus, reason, actor string) (*entities.Prompt, error)
}

// PromptHandler exposes the prompt lifecycle over HTTP.
type PromptHandler struct {
	service PromptService
}

// NewPromptHandler creates a new prompt handler.
func NewPromptHandler(service PromptService) *PromptHandler {
	return &PromptHandler{service: service}
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

type promptListResponse struct {
	Prompts []*entities.Prompt `json:"prompts"`
	Count   int                `json:"count"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// CreatePrompt handles POST /api/prompts
func (h *PromptHandler) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req services.CreatePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	prompt, created, err := h.service.CreateOrGetPrompt(r.Context(), req)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, map[string]interface{}{
		"prompt":  prompt,
		"created": created,
	})
}

// GetPrompt handles GET /api/prompts/{id}
func (h *PromptHandler) GetPrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}

	prompt, err := h.service.GetPrompt(r.Context(), id)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prompt)
}

// ListPrompts handles GET /api/prompts?status=&limit=&offset=
func (h *PromptHandler) ListPrompts(w http.ResponseWriter, r *http.Request) {
	var status entities.PromptStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := entities.ParsePromptStatus(raw)
		if !ok {
			respondWithError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		status = parsed
	}
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	prompts, err := h.service.ListPrompts(r.Context(), status, limit, offset)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if prompts == nil {
		prompts = []*entities.Prompt{}
	}
	respondWithJSON(w, http.StatusOK, promptListResponse{
		Prompts: prompts,
		Count:   len(prompts),
		Limit:   limit,
		Offset:  offset,
	})
}

// ListTransitions handles GET /api/prompts/{id}/transitions
func (h *PromptHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}

	transitions, err := h.service.ListTransitions(r.Context(), id)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	if transitions == nil {
		transitions = []*entities.PromptTransition{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"prompt_id":   id,
		"transitions": transitions,
	})
}

// SubmitPrompt handles POST /api/prompts/{id}/submit
func (h *PromptHandler) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}

	prompt, err := h.service.SubmitPrompt(r.Context(), id, services.ActorSubmission)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prompt)
}

// TransitionPrompt handles POST /api/prompts/{id}/transition
func (h *PromptHandler) TransitionPrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid prompt id")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	status, valid := entities.ParsePromptStatus(req.Status)
	if !valid {
		respondWithError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = "api"
	}

	prompt, err := h.service.TransitionStatus(r.Context(), id, status, strings.TrimSpace(req.Reason), actor)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, prompt)
}
