package routes_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/hisprompt/backend/internal/api/handlers"
	"github.com/zatekoja/hisprompt/backend/internal/api/routes"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
)

type notFoundPrompts struct{}

func (notFoundPrompts) CreateOrGetPrompt(ctx context.Context, req services.CreatePromptRequest) (*entities.Prompt, bool, error) {
	return nil, false, apperrors.NewValidationError("patient_id is required")
}

func (notFoundPrompts) GetPrompt(ctx context.Context, id int64) (*entities.Prompt, error) {
	return nil, apperrors.NewNotFoundError("prompt not found")
}

func (notFoundPrompts) ListPrompts(ctx context.Context, status entities.PromptStatus, limit, offset int) ([]*entities.Prompt, error) {
	return nil, nil
}

func (notFoundPrompts) ListTransitions(ctx context.Context, id int64) ([]*entities.PromptTransition, error) {
	return nil, nil
}

func (notFoundPrompts) SubmitPrompt(ctx context.Context, id int64, actor string) (*entities.Prompt, error) {
	return nil, apperrors.NewNotFoundError("prompt not found")
}

func (notFoundPrompts) TransitionStatus(ctx context.Context, id int64, status entities.PromptStatus, reason, actor string) (*entities.Prompt, error) {
	return nil, apperrors.NewNotFoundError("prompt not found")
}

type idleReconciler struct{}

func (idleReconciler) Run(ctx context.Context, trigger string) *entities.ReconciliationResult {
	return &entities.ReconciliationResult{Trigger: trigger}
}
func (idleReconciler) Stats() entities.ReconciliationStats { return entities.ReconciliationStats{} }
func (idleReconciler) LastResult(ctx context.Context) (*entities.ReconciliationResult, bool) {
	return nil, false
}
func (idleReconciler) IsRunning() bool { return false }
func (idleReconciler) ResetStats()     {}

type staticServer struct{}

func (staticServer) Status() (nethealth.Stats, string) {
	return nethealth.Stats{Healthy: true}, "http://exec.test"
}
func (staticServer) SetBaseURL(string) error       { return nil }
func (staticServer) Probe(ctx context.Context) bool { return true }

type zeroLifecycle struct{}

func (zeroLifecycle) Stats() services.LifecycleStats { return services.LifecycleStats{} }
func (zeroLifecycle) ResetCounters()                 {}

func (zeroLifecycle) StatusCounts(ctx context.Context) (map[entities.PromptStatus]int64, error) {
	return map[entities.PromptStatus]int64{}, nil
}

type zeroCallbacks struct{}

func (zeroCallbacks) Stats() services.CallbackDispatcherStats { return services.CallbackDispatcherStats{} }
func (zeroCallbacks) Reset()                                  {}

type rejectingCallbacks struct{}

func (rejectingCallbacks) HandleExecutionCallback(ctx context.Context, data *entities.CallbackData) (*entities.Prompt, error) {
	return nil, apperrors.NewNotFoundError("prompt not found")
}

func newTestRouter() http.Handler {
	router := routes.NewRouter(routes.Handlers{
		Prompt:         handlers.NewPromptHandler(notFoundPrompts{}),
		Callback:       handlers.NewCallbackHandler(rejectingCallbacks{}, ""),
		Reconciliation: handlers.NewReconciliationHandler(idleReconciler{}),
		Monitoring: handlers.NewMonitoringHandler(
			optimistic.NewCoordinator(optimistic.Config{}), staticServer{}, zeroLifecycle{}, zeroCallbacks{}),
		Admin: handlers.NewAdminHandler(staticServer{}),
	}, nil, config.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Callback-Signature"},
	})
	return router.SetupRoutes()
}

func TestRouter_Routes(t *testing.T) {
	handler := newTestRouter()

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "health", method: "GET", path: "/health", want: http.StatusOK},
		{name: "unknown prompt", method: "GET", path: "/api/prompts/9", want: http.StatusNotFound},
		{name: "list prompts", method: "GET", path: "/api/prompts", want: http.StatusOK},
		{name: "submit unknown prompt", method: "POST", path: "/api/prompts/9/submit", want: http.StatusNotFound},
		{name: "wrong method", method: "DELETE", path: "/api/prompts/9", want: http.StatusMethodNotAllowed},
		{name: "reconciliation stats", method: "GET", path: "/api/reconciliation/stats", want: http.StatusOK},
		{name: "reset reconciliation stats", method: "POST", path: "/api/reconciliation/reset", want: http.StatusOK},
		{name: "no reconciliation yet", method: "GET", path: "/api/reconciliation/last", want: http.StatusNotFound},
		{name: "network stats", method: "GET", path: "/api/monitoring/network", want: http.StatusOK},
		{name: "execution server", method: "GET", path: "/api/admin/execution-server", want: http.StatusOK},
		{name: "sync disabled", method: "POST", path: "/api/sync/nightly", want: http.StatusNotFound},
		{name: "streams disabled", method: "GET", path: "/api/stream/prompts", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRouter_MonitoringIsNotCached(t *testing.T) {
	handler := newTestRouter()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/monitoring/locks", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Header().Get("Cache-Control"), "public")
	assert.NotEmpty(t, w.Header().Get("ETag"))
}

func TestRouter_Preflight(t *testing.T) {
	handler := newTestRouter()

	req := httptest.NewRequest("OPTIONS", "/api/callbacks/execution", nil)
	req.Header.Set("Origin", "https://his.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Callback-Signature")
}
