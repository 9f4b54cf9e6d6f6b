package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
)

// ExecutionServerAdmin manages the execution server address at runtime.
type ExecutionServerAdmin interface {
	Status() (nethealth.Stats, string)
	SetBaseURL(baseURL string) error
	Probe(ctx context.Context) bool
}

// AdminHandler exposes operator actions.
type AdminHandler struct {
	executionServer ExecutionServerAdmin
}

func NewAdminHandler(executionServer ExecutionServerAdmin) *AdminHandler {
	return &AdminHandler{executionServer: executionServer}
}

type executionServerRequest struct {
	URL string `json:"url"`
}

// GetExecutionServer handles GET /api/admin/execution-server
func (h *AdminHandler) GetExecutionServer(w http.ResponseWriter, r *http.Request) {
	stats, baseURL := h.executionServer.Status()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"url":     baseURL,
		"healthy": stats.Healthy,
	})
}

// UpdateExecutionServer handles PUT /api/admin/execution-server
//
// The new address is probed once so the response reflects its health.
func (h *AdminHandler) UpdateExecutionServer(w http.ResponseWriter, r *http.Request) {
	var req executionServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		respondWithError(w, http.StatusBadRequest, "url is required")
		return
	}

	if err := h.executionServer.SetBaseURL(req.URL); err != nil {
		respondWithAppError(w, r, err)
		return
	}

	healthy := h.executionServer.Probe(r.Context())
	_, baseURL := h.executionServer.Status()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"url":     baseURL,
		"healthy": healthy,
	})
}
