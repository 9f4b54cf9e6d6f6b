package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// Reconciler is the reconciliation surface used by the handler.
type Reconciler interface {
	Run(ctx context.Context, trigger string) *entities.ReconciliationResult
	Stats() entities.ReconciliationStats
	LastResult(ctx context.Context) (*entities.ReconciliationResult, bool)
	IsRunning() bool
	ResetStats()
}

// ReconciliationHandler exposes manual reconciliation and its reports.
type ReconciliationHandler struct {
	reconciler Reconciler
}

func NewReconciliationHandler(reconciler Reconciler) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: reconciler}
}

// RunReconciliation handles POST /api/reconciliation/run
func (h *ReconciliationHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	result := h.reconciler.Run(r.Context(), "manual")
	if result.Skipped {
		respondWithJSON(w, http.StatusConflict, result)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// GetStats handles GET /api/reconciliation/stats
func (h *ReconciliationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"stats":   h.reconciler.Stats(),
		"running": h.reconciler.IsRunning(),
	})
}

// GetLastResult handles GET /api/reconciliation/last
func (h *ReconciliationHandler) GetLastResult(w http.ResponseWriter, r *http.Request) {
	result, ok := h.reconciler.LastResult(r.Context())
	if !ok {
		respondWithError(w, http.StatusNotFound, "no reconciliation has run yet")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// ResetStats handles POST /api/reconciliation/reset
func (h *ReconciliationHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.reconciler.ResetStats()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"stats": h.reconciler.Stats(),
	})
}
