package handlers

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// PatientSyncer runs the nightly patient sync on demand.
type PatientSyncer interface {
	SyncAll(ctx context.Context) (*entities.SyncSummary, error)
	LastSummary() (*entities.SyncSummary, bool)
}

// SyncHandler triggers the nightly sync outside its schedule.
type SyncHandler struct {
	syncer  PatientSyncer
	running atomic.Bool
}

func NewSyncHandler(syncer PatientSyncer) *SyncHandler {
	return &SyncHandler{syncer: syncer}
}

// TriggerNightlySync handles POST /api/sync/nightly
//
// The run continues in the background after the response; ?wait=true
// blocks until it finishes and returns the summary.
func (h *SyncHandler) TriggerNightlySync(w http.ResponseWriter, r *http.Request) {
	if !h.running.CompareAndSwap(false, true) {
		respondWithError(w, http.StatusConflict, "a sync is already running")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		defer h.running.Store(false)
		summary, err := h.syncer.SyncAll(r.Context())
		if err != nil {
			respondWithAppError(w, r, err)
			return
		}
		respondWithJSON(w, http.StatusOK, summary)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.running.Store(false)
		if _, err := h.syncer.SyncAll(ctx); err != nil {
			log.Error().Err(err).Msg("Manual nightly sync failed")
		}
	}()

	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
	})
}

// GetLastSync handles GET /api/sync/last
func (h *SyncHandler) GetLastSync(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.syncer.LastSummary()
	if !ok {
		respondWithError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"summary": summary,
		"running": h.running.Load(),
	})
}
