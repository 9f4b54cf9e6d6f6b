package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
)

// LockMonitor reports optimistic lock contention.
type LockMonitor interface {
	Stats() optimistic.Stats
}

// NetworkMonitor reports execution server health.
type NetworkMonitor interface {
	Status() (nethealth.Stats, string)
}

// LifecycleMonitor reports and resets lifecycle counters, including the
// lock and network counters it owns, and counts stored prompts per status.
type LifecycleMonitor interface {
	Stats() services.LifecycleStats
	ResetCounters()
	StatusCounts(ctx context.Context) (map[entities.PromptStatus]int64, error)
}

// CallbackMonitor reports and resets callback delivery counters.
type CallbackMonitor interface {
	Stats() services.CallbackDispatcherStats
	Reset()
}

// MonitoringHandler serves the in-process counters.
type MonitoringHandler struct {
	locks     LockMonitor
	network   NetworkMonitor
	lifecycle LifecycleMonitor
	callbacks CallbackMonitor
}

func NewMonitoringHandler(locks LockMonitor, network NetworkMonitor, lifecycle LifecycleMonitor, callbacks CallbackMonitor) *MonitoringHandler {
	return &MonitoringHandler{
		locks:     locks,
		network:   network,
		lifecycle: lifecycle,
		callbacks: callbacks,
	}
}

// GetLockStats handles GET /api/monitoring/locks
func (h *MonitoringHandler) GetLockStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.locks.Stats())
}

// GetNetworkStats handles GET /api/monitoring/network
func (h *MonitoringHandler) GetNetworkStats(w http.ResponseWriter, r *http.Request) {
	stats, baseURL := h.network.Status()
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"execution_server": baseURL,
		"health":           stats,
	})
}

// GetLifecycleStats handles GET /api/monitoring/lifecycle
func (h *MonitoringHandler) GetLifecycleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.lifecycle.StatusCounts(r.Context())
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"lifecycle":    h.lifecycle.Stats(),
		"callbacks":    h.callbacks.Stats(),
		"status_count": counts,
	})
}

// ResetStats handles POST /api/monitoring/reset
func (h *MonitoringHandler) ResetStats(w http.ResponseWriter, r *http.Request) {
	h.lifecycle.ResetCounters()
	h.callbacks.Reset()
	log.Info().Str("remote_addr", clientIP(r)).Msg("Monitoring counters reset")

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "reset",
		"reset_at": time.Now().UTC(),
	})
}
