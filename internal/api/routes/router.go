package routes

import (
	"net/http"

	"github.com/zatekoja/hisprompt/backend/internal/api/handlers"
	"github.com/zatekoja/hisprompt/backend/internal/api/middleware"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	promptHandler         *handlers.PromptHandler
	callbackHandler       *handlers.CallbackHandler
	reconciliationHandler *handlers.ReconciliationHandler
	syncHandler           *handlers.SyncHandler
	monitoringHandler     *handlers.MonitoringHandler
	adminHandler          *handlers.AdminHandler
	sseHandler            *handlers.SSEHandler

	metrics *observability.Metrics
	cors    config.CORSConfig
}

// Handlers groups the route handlers. SSE and Sync may be nil when the
// event bus or the nightly sync is disabled.
type Handlers struct {
	Prompt         *handlers.PromptHandler
	Callback       *handlers.CallbackHandler
	Reconciliation *handlers.ReconciliationHandler
	Sync           *handlers.SyncHandler
	Monitoring     *handlers.MonitoringHandler
	Admin          *handlers.AdminHandler
	SSE            *handlers.SSEHandler
}

// NewRouter creates a new router
func NewRouter(h Handlers, metrics *observability.Metrics, cors config.CORSConfig) *Router {
	return &Router{
		mux: http.NewServeMux(),

		promptHandler:         h.Prompt,
		callbackHandler:       h.Callback,
		reconciliationHandler: h.Reconciliation,
		syncHandler:           h.Sync,
		monitoringHandler:     h.Monitoring,
		adminHandler:          h.Admin,
		sseHandler:            h.SSE,

		metrics: metrics,
		cors:    cors,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	// Health check endpoint
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Prompt endpoints
	r.mux.HandleFunc("POST /api/prompts", r.promptHandler.CreatePrompt)
	r.mux.HandleFunc("GET /api/prompts", r.promptHandler.ListPrompts)
	r.mux.HandleFunc("GET /api/prompts/{id}", r.promptHandler.GetPrompt)
	r.mux.HandleFunc("GET /api/prompts/{id}/transitions", r.promptHandler.ListTransitions)
	r.mux.HandleFunc("POST /api/prompts/{id}/submit", r.promptHandler.SubmitPrompt)
	r.mux.HandleFunc("POST /api/prompts/{id}/transition", r.promptHandler.TransitionPrompt)

	// Execution server callbacks
	r.mux.HandleFunc("POST /api/callbacks/execution", r.callbackHandler.HandleExecutionCallback)

	// Reconciliation endpoints
	r.mux.HandleFunc("POST /api/reconciliation/run", r.reconciliationHandler.RunReconciliation)
	r.mux.HandleFunc("GET /api/reconciliation/stats", r.reconciliationHandler.GetStats)
	r.mux.HandleFunc("GET /api/reconciliation/last", r.reconciliationHandler.GetLastResult)
	r.mux.HandleFunc("POST /api/reconciliation/reset", r.reconciliationHandler.ResetStats)

	// Nightly sync endpoints
	if r.syncHandler != nil {
		r.mux.HandleFunc("POST /api/sync/nightly", r.syncHandler.TriggerNightlySync)
		r.mux.HandleFunc("GET /api/sync/last", r.syncHandler.GetLastSync)
	}

	// Monitoring endpoints
	r.mux.HandleFunc("GET /api/monitoring/locks", r.monitoringHandler.GetLockStats)
	r.mux.HandleFunc("GET /api/monitoring/network", r.monitoringHandler.GetNetworkStats)
	r.mux.HandleFunc("GET /api/monitoring/lifecycle", r.monitoringHandler.GetLifecycleStats)
	r.mux.HandleFunc("POST /api/monitoring/reset", r.monitoringHandler.ResetStats)

	// Admin endpoints
	r.mux.HandleFunc("GET /api/admin/execution-server", r.adminHandler.GetExecutionServer)
	r.mux.HandleFunc("PUT /api/admin/execution-server", r.adminHandler.UpdateExecutionServer)

	// Prompt event streams
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/prompts", r.sseHandler.StreamAllUpdates)
		r.mux.HandleFunc("GET /api/stream/prompts/{id}", r.sseHandler.StreamPromptUpdates)
		r.mux.HandleFunc("GET /api/stream/patients/{patientId}", r.sseHandler.StreamPatientUpdates)
	}

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)

	// Apply HTTP performance optimizations (compression, ETag, cache headers)
	handler = middleware.ResponseOptimization(handler)

	// CORS wraps everything so preflight requests short-circuit first
	handler = middleware.CORS(r.cors)(handler)

	return handler
}
