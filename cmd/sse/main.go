package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/hisprompt/backend/internal/adapters/events"
	"github.com/zatekoja/hisprompt/backend/internal/api/handlers"
	"github.com/zatekoja/hisprompt/backend/internal/api/middleware"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

// Standalone prompt event stream server. Runs beside the API so long-lived
// operator connections do not hold API server capacity.
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-sse", cfg.Environment, cfg.LogLevel)

	log.Info().Msg("Starting SSE Server...")

	// Redis is required: it is the only source of prompt events here
	redisClient, err := redis.NewClient(context.Background(), &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Redis client")
	}
	defer redisClient.Close()

	eventBus := events.NewRedisEventBus(redisClient)
	sseHandler := handlers.NewSSEHandler(eventBus)

	// Set up router
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// SSE streaming endpoints
	mux.HandleFunc("GET /api/stream/prompts", sseHandler.StreamAllUpdates)
	mux.HandleFunc("GET /api/stream/prompts/{id}", sseHandler.StreamPromptUpdates)
	mux.HandleFunc("GET /api/stream/patients/{patientId}", sseHandler.StreamPatientUpdates)

	// SSE stats endpoint
	mux.HandleFunc("GET /api/stream/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"connected_clients": %d}`, sseHandler.GetClientCount())
	})

	// Apply middleware
	var handler http.Handler = mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.CORS(cfg.Server.CORS)(handler)

	// Create HTTP server
	port := cfg.Server.Port + 1
	if v := os.Getenv("SSE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &port)
	}
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,  // Longer timeout for SSE
		WriteTimeout: 0,                 // No timeout for SSE streaming
		IdleTimeout:  120 * time.Second, // Allow long-lived connections
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", serverAddr).Msg("SSE Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("SSE Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("SSE Server shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}

	// Close event bus
	if err := eventBus.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing event bus")
	}

	log.Info().Msg("SSE Server stopped")
}
