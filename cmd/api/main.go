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
	"github.com/zatekoja/hisprompt/backend/internal/adapters/cache"
	"github.com/zatekoja/hisprompt/backend/internal/adapters/database"
	"github.com/zatekoja/hisprompt/backend/internal/adapters/events"
	"github.com/zatekoja/hisprompt/backend/internal/api/handlers"
	"github.com/zatekoja/hisprompt/backend/internal/api/routes"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/executionserver"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/redis"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
	"github.com/zatekoja/hisprompt/backend/pkg/retry"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Environment, cfg.LogLevel)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
			log.Info().Msg("OpenTelemetry initialized successfully")
		}
	}

	// Initialize metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}

	// Local prompt database
	pgClient, err := postgres.NewClient(ctx, "local", &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize PostgreSQL client")
	}
	defer pgClient.Close()

	// Execution server's encrypted data store
	remoteClient, err := postgres.NewClient(ctx, "remote", &cfg.RemoteDatabase)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize remote PostgreSQL client")
	}
	defer remoteClient.Close()

	// Redis carries prompt events and the last reconciliation report
	var (
		eventBus      providers.EventBus
		cacheProvider providers.CacheProvider
	)
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; running without event streams")
		} else {
			defer redisClient.Close()
			eventBus = events.NewRedisEventBus(redisClient)
			cacheProvider = cache.NewRedisAdapter(redisClient)
		}
	}

	// Repositories
	promptRepo := database.NewPromptAdapter(pgClient)
	patientRepo := database.NewPatientAdapter(pgClient)
	templateRepo := database.NewPromptTemplateAdapter(pgClient)
	encryptedRepo := database.NewEncryptedDataAdapter(remoteClient)

	// Execution server client and the policies around it
	execClient, err := executionserver.NewClient(cfg.ExecutionServer.URL, cfg.ExecutionServer.HealthPath, cfg.ExecutionServer.Timeout)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.ExecutionServer.URL).Msg("Invalid execution server address")
	}

	retrier := retry.NewExecutor(retry.Config{
		MaxRetries:           cfg.Retry.MaxRetries,
		InitialDelay:         cfg.Retry.InitialDelay,
		MaxDelay:             cfg.Retry.MaxDelay,
		BackoffFactor:        cfg.Retry.Multiplier,
		RetryableStatusCodes: cfg.Retry.RetryableStatusCodes,
	})
	retrier.OnRetry(func(attempt int, err error, delay time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("next_delay", delay).Msg("Retrying execution server call")
	})

	lockCfg := optimistic.DefaultConfig()
	lockCfg.BaseAttempts = cfg.OptimisticLock.BaseAttempts
	lockCfg.ElevatedAttempts = cfg.OptimisticLock.ElevatedAttempts
	lockCfg.DegradedAttempts = cfg.OptimisticLock.DegradedAttempts
	lockCfg.ElevatedConflictThreshold = int64(cfg.OptimisticLock.ElevatedConflictThreshold)
	lockCfg.DegradedSuccessRate = cfg.OptimisticLock.DegradedSuccessRate
	lockCfg.BaseDelay = cfg.OptimisticLock.BaseDelay
	lockCfg.MaxDelay = cfg.OptimisticLock.MaxDelay
	locks := optimistic.NewCoordinator(lockCfg)
	locks.SetLogger(observability.ComponentLogger("optimistic_lock"))

	healthTracker := nethealth.NewTracker(cfg.ExecutionServer.FailureThreshold)

	// Services
	dispatcher := services.NewCallbackDispatcher(cfg.Callback, metrics)

	lifecycle := services.NewPromptLifecycleService(
		promptRepo,
		execClient,
		dispatcher,
		eventBus,
		locks,
		retrier,
		healthTracker,
		metrics,
		cfg.ExecutionServer.RequestIDPrefix,
	)
	lifecycle.SetSubmitDeadline(cfg.ExecutionServer.SubmitDeadline)

	reconciler := services.NewConsistencyReconciler(lifecycle, promptRepo, encryptedRepo, cacheProvider, metrics, cfg.Reconciliation)
	poller := services.NewPromptPollingService(lifecycle, promptRepo, encryptedRepo, cfg.Reconciliation.BatchLimit)
	healthService := services.NewExecutionHealthService(execClient, healthTracker, 5*time.Second)
	generator := services.NewPromptGenerationService(lifecycle, patientRepo, templateRepo, cfg.Sync.AutoSubmit)
	patientSync := services.NewPatientSyncService(patientRepo, locks, generator.SyncFunc(), cfg.Sync.Workers, cfg.Sync.Deadline)

	// Background loops
	healthService.StartPeriodic(ctx, cfg.ExecutionServer.ProbeInterval)
	poller.StartPeriodic(ctx, cfg.ExecutionServer.PollInterval)
	if cfg.Reconciliation.Enabled {
		reconciler.StartPeriodic(ctx, cfg.Reconciliation.Interval)
		log.Info().
			Dur("interval", cfg.Reconciliation.Interval).
			Bool("auto_fix", cfg.Reconciliation.AutoFix).
			Msg("Consistency reconciler started")
	}
	if cfg.Sync.Enabled {
		patientSync.StartNightly(ctx, cfg.Sync.NightlyHour)
		log.Info().Int("hour", cfg.Sync.NightlyHour).Int("workers", cfg.Sync.Workers).Msg("Nightly patient sync scheduled")
	}

	// Handlers
	h := routes.Handlers{
		Prompt:         handlers.NewPromptHandler(lifecycle),
		Callback:       handlers.NewCallbackHandler(lifecycle, cfg.Callback.Secret),
		Reconciliation: handlers.NewReconciliationHandler(reconciler),
		Monitoring:     handlers.NewMonitoringHandler(locks, healthService, lifecycle, dispatcher),
		Admin:          handlers.NewAdminHandler(healthService),
	}
	if cfg.Sync.Enabled {
		h.Sync = handlers.NewSyncHandler(patientSync)
	}
	if eventBus != nil {
		h.SSE = handlers.NewSSEHandler(eventBus)
	}

	router := routes.NewRouter(h, metrics, cfg.Server.CORS)

	// Create HTTP server. WriteTimeout stays unset for the event streams.
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", serverAddr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Server shutting down...")

	// Stop background loops before draining requests
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}

	// Let in-flight result callbacks finish
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Callback deliveries still pending at shutdown")
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing event bus")
		}
	}

	log.Info().Msg("Server stopped")
}
