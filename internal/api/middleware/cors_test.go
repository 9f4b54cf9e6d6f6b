package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/hisprompt/backend/internal/api/middleware"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestCORS(t *testing.T) {
	restricted := config.CORSConfig{
		AllowedOrigins: []string{"https://his.example"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Callback-Signature", "X-Ward-Token"},
		MaxAge:         5 * time.Minute,
	}

	tests := []struct {
		name         string
		cfg          config.CORSConfig
		method       string
		origin       string
		wantStatus   int
		wantOrigin   string
		wantMaxAge   string
		wantVaryOrig bool
	}{
		{
			name:         "listed origin is echoed",
			cfg:          restricted,
			method:       "GET",
			origin:       "https://his.example",
			wantStatus:   http.StatusAccepted,
			wantOrigin:   "https://his.example",
			wantVaryOrig: true,
		},
		{
			name:       "unlisted origin gets no allow origin",
			cfg:        restricted,
			method:     "GET",
			origin:     "https://evil.example",
			wantStatus: http.StatusAccepted,
		},
		{
			name:         "preflight short-circuits",
			cfg:          restricted,
			method:       "OPTIONS",
			origin:       "https://his.example",
			wantStatus:   http.StatusOK,
			wantOrigin:   "https://his.example",
			wantMaxAge:   "300",
			wantVaryOrig: true,
		},
		{
			name:       "wildcard anywhere in the list",
			cfg:        config.CORSConfig{AllowedOrigins: []string{"https://his.example", "*"}},
			method:     "GET",
			origin:     "https://ward.example",
			wantStatus: http.StatusAccepted,
			wantOrigin: "*",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/prompts", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()

			middleware.CORS(tt.cfg)(okHandler()).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantMaxAge, w.Header().Get("Access-Control-Max-Age"))
			if tt.wantVaryOrig {
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			}
		})
	}
}

func TestCORS_ConfiguredHeaders(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT"},
		AllowedHeaders: []string{"Content-Type", "X-Ward-Token"},
	}
	w := httptest.NewRecorder()
	middleware.CORS(cfg)(okHandler()).ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/prompts", nil))

	assert.Equal(t, "Content-Type, X-Ward-Token", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "GET, PUT", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, w.Header().Get("Access-Control-Max-Age"))
}
