package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/hisprompt/backend/internal/api/handlers"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
)

type MockPromptService struct {
	mock.Mock
}

func (m *MockPromptService) CreateOrGetPrompt(ctx context.Context, req services.CreatePromptRequest) (*entities.Prompt, bool, error) {
	args := m.Called(ctx, req)
	prompt, _ := args.Get(0).(*entities.Prompt)
	return prompt, args.Bool(1), args.Error(2)
}

func (m *MockPromptService) GetPrompt(ctx context.Context, id int64) (*entities.Prompt, error) {
	args := m.Called(ctx, id)
	prompt, _ := args.Get(0).(*entities.Prompt)
	return prompt, args.Error(1)
}

func (m *MockPromptService) ListPrompts(ctx context.Context, status entities.PromptStatus, limit, offset int) ([]*entities.Prompt, error) {
	args := m.Called(ctx, status, limit, offset)
	prompts, _ := args.Get(0).([]*entities.Prompt)
	return prompts, args.Error(1)
}

func (m *MockPromptService) ListTransitions(ctx context.Context, id int64) ([]*entities.PromptTransition, error) {
	args := m.Called(ctx, id)
	transitions, _ := args.Get(0).([]*entities.PromptTransition)
	return transitions, args.Error(1)
}

func (m *MockPromptService) SubmitPrompt(ctx context.Context, id int64, actor string) (*entities.Prompt, error) {
	args := m.Called(ctx, id, actor)
	prompt, _ := args.Get(0).(*entities.Prompt)
	return prompt, args.Error(1)
}

func (m *MockPromptService) TransitionStatus(ctx context.Context, id int64, status entities.PromptStatus, reason, actor string) (*entities.Prompt, error) {
	args := m.Called(ctx, id, status, reason, actor)
	prompt, _ := args.Get(0).(*entities.Prompt)
	return prompt, args.Error(1)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestPromptHandler_CreatePrompt(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)

		svc.On("CreateOrGetPrompt", mock.Anything, mock.MatchedBy(func(req services.CreatePromptRequest) bool {
			return req.PatientID == "P001" && req.TemplateName == "daily"
		})).Return(&entities.Prompt{ID: 1, Status: entities.PromptStatusPending}, true, nil)

		body := `{"patient_id":"P001","template_name":"daily","template_content":"Summarize"}`
		req := httptest.NewRequest("POST", "/api/prompts", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		handler.CreatePrompt(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["created"])
		svc.AssertExpectations(t)
	})

	t.Run("existing prompt returns 200", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("CreateOrGetPrompt", mock.Anything, mock.Anything).
			Return(&entities.Prompt{ID: 1, Status: entities.PromptStatusSubmitted}, false, nil)

		req := httptest.NewRequest("POST", "/api/prompts", bytes.NewBufferString(`{"patient_id":"P001","template_name":"daily"}`))
		w := httptest.NewRecorder()

		handler.CreatePrompt(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, decodeBody(t, w)["created"])
	})

	t.Run("validation error maps to 400", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("CreateOrGetPrompt", mock.Anything, mock.Anything).
			Return(nil, false, apperrors.NewValidationError("patient_id is required"))

		req := httptest.NewRequest("POST", "/api/prompts", bytes.NewBufferString(`{}`))
		w := httptest.NewRecorder()

		handler.CreatePrompt(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "patient_id is required", body["error"])
		assert.Equal(t, "VALIDATION", body["type"])
	})

	t.Run("invalid json", func(t *testing.T) {
		handler := handlers.NewPromptHandler(new(MockPromptService))

		req := httptest.NewRequest("POST", "/api/prompts", bytes.NewBufferString("not-json"))
		w := httptest.NewRecorder()

		handler.CreatePrompt(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPromptHandler_GetPrompt(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		setup      func(*MockPromptService)
		wantStatus int
	}{
		{
			name: "found",
			id:   "7",
			setup: func(m *MockPromptService) {
				m.On("GetPrompt", mock.Anything, int64(7)).Return(&entities.Prompt{ID: 7}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "not found",
			id:   "8",
			setup: func(m *MockPromptService) {
				m.On("GetPrompt", mock.Anything, int64(8)).Return(nil, apperrors.NewNotFoundError("prompt with id 8 not found"))
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "bad id",
			id:         "abc",
			setup:      func(m *MockPromptService) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unexpected error is hidden",
			id:   "9",
			setup: func(m *MockPromptService) {
				m.On("GetPrompt", mock.Anything, int64(9)).Return(nil, errors.New("pq: connection reset"))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockPromptService)
			tt.setup(svc)
			handler := handlers.NewPromptHandler(svc)

			req := httptest.NewRequest("GET", "/api/prompts/"+tt.id, nil)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()

			handler.GetPrompt(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotContains(t, w.Body.String(), "pq:")
			svc.AssertExpectations(t)
		})
	}
}

func TestPromptHandler_ListPrompts(t *testing.T) {
	t.Run("filters by status", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("ListPrompts", mock.Anything, entities.PromptStatusSubmitted, 10, 20).
			Return([]*entities.Prompt{{ID: 1}, {ID: 2}}, nil)

		req := httptest.NewRequest("GET", "/api/prompts?status=submitted&limit=10&offset=20", nil)
		w := httptest.NewRecorder()

		handler.ListPrompts(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(2), decodeBody(t, w)["count"])
		svc.AssertExpectations(t)
	})

	t.Run("empty list encodes as array", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("ListPrompts", mock.Anything, entities.PromptStatus(""), 50, 0).Return(nil, nil)

		req := httptest.NewRequest("GET", "/api/prompts", nil)
		w := httptest.NewRecorder()

		handler.ListPrompts(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"prompts":[]`)
	})

	t.Run("unknown status", func(t *testing.T) {
		handler := handlers.NewPromptHandler(new(MockPromptService))

		req := httptest.NewRequest("GET", "/api/prompts?status=DONE", nil)
		w := httptest.NewRecorder()

		handler.ListPrompts(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPromptHandler_SubmitPrompt(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "submitted", wantStatus: http.StatusOK},
		{name: "execution server down", err: apperrors.NewExternalError("execution server unhealthy", nil), wantStatus: http.StatusBadGateway},
		{name: "already failed", err: apperrors.NewInvalidTransitionError("prompt 3 already failed"), wantStatus: http.StatusUnprocessableEntity},
		{name: "contention", err: apperrors.NewConflictError("prompt 3 is being updated concurrently", nil), wantStatus: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockPromptService)
			handler := handlers.NewPromptHandler(svc)
			if tt.err != nil {
				svc.On("SubmitPrompt", mock.Anything, int64(3), services.ActorSubmission).Return(nil, tt.err)
			} else {
				svc.On("SubmitPrompt", mock.Anything, int64(3), services.ActorSubmission).
					Return(&entities.Prompt{ID: 3, Status: entities.PromptStatusSubmitted}, nil)
			}

			req := httptest.NewRequest("POST", "/api/prompts/3/submit", nil)
			req.SetPathValue("id", "3")
			w := httptest.NewRecorder()

			handler.SubmitPrompt(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestPromptHandler_TransitionPrompt(t *testing.T) {
	t.Run("passes status, reason and actor", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("TransitionStatus", mock.Anything, int64(5), entities.PromptStatusFailed, "operator abort", "ops").
			Return(&entities.Prompt{ID: 5, Status: entities.PromptStatusFailed}, nil)

		req := httptest.NewRequest("POST", "/api/prompts/5/transition",
			bytes.NewBufferString(`{"status":"failed","reason":" operator abort ","actor":"ops"}`))
		req.SetPathValue("id", "5")
		w := httptest.NewRecorder()

		handler.TransitionPrompt(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("defaults the actor", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("TransitionStatus", mock.Anything, int64(5), entities.PromptStatusSubmitted, "", "api").
			Return(&entities.Prompt{ID: 5}, nil)

		req := httptest.NewRequest("POST", "/api/prompts/5/transition", bytes.NewBufferString(`{"status":"SUBMITTED"}`))
		req.SetPathValue("id", "5")
		w := httptest.NewRecorder()

		handler.TransitionPrompt(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("unknown status never reaches the service", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)

		req := httptest.NewRequest("POST", "/api/prompts/5/transition", bytes.NewBufferString(`{"status":"ARCHIVED"}`))
		req.SetPathValue("id", "5")
		w := httptest.NewRecorder()

		handler.TransitionPrompt(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "TransitionStatus")
	})

	t.Run("invalid edge maps to 422", func(t *testing.T) {
		svc := new(MockPromptService)
		handler := handlers.NewPromptHandler(svc)
		svc.On("TransitionStatus", mock.Anything, int64(5), entities.PromptStatusCompleted, "", "api").
			Return(nil, apperrors.NewInvalidTransitionError("prompt 5 cannot move from PENDING to COMPLETED"))

		req := httptest.NewRequest("POST", "/api/prompts/5/transition", bytes.NewBufferString(`{"status":"COMPLETED"}`))
		req.SetPathValue("id", "5")
		w := httptest.NewRecorder()

		handler.TransitionPrompt(w, req)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "INVALID_TRANSITION", decodeBody(t, w)["type"])
	})
}

func TestPromptHandler_ListTransitions(t *testing.T) {
	svc := new(MockPromptService)
	handler := handlers.NewPromptHandler(svc)
	svc.On("ListTransitions", mock.Anything, int64(2)).Return([]*entities.PromptTransition{
		{PromptID: 2, FromStatus: entities.PromptStatusPending, ToStatus: entities.PromptStatusSubmitted, Version: 1},
	}, nil)

	req := httptest.NewRequest("GET", "/api/prompts/2/transitions", nil)
	req.SetPathValue("id", "2")
	w := httptest.NewRecorder()

	handler.ListTransitions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Len(t, body["transitions"], 1)
}
