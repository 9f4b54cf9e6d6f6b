package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zatekoja/hisprompt/backend/internal/adapters/database"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/executionserver"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
	"github.com/zatekoja/hisprompt/backend/pkg/retry"
)

// app holds the services a single promptctl invocation needs. The event bus
// is left out; API server streams only carry events from the server itself.
type app struct {
	cfg        *config.Config
	lifecycle  *services.PromptLifecycleService
	dispatcher *services.CallbackDispatcher
	prompts    repositories.PromptRepository
	remote     repositories.EncryptedDataRepository
	patients   repositories.PatientRepository
	templates  repositories.PromptTemplateRepository
	locks      *optimistic.Coordinator
	closers    []io.Closer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	observability.InitLogger("promptctl", cfg.Environment, cfg.LogLevel)

	local, err := postgres.NewClient(ctx, "local", &cfg.Database)
	if err != nil {
		return nil, err
	}
	remote, err := postgres.NewClient(ctx, "remote", &cfg.RemoteDatabase)
	if err != nil {
		local.Close()
		return nil, err
	}

	execClient, err := executionserver.NewClient(cfg.ExecutionServer.URL, cfg.ExecutionServer.HealthPath, cfg.ExecutionServer.Timeout)
	if err != nil {
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("invalid execution server address: %w", err)
	}

	lockCfg := optimistic.DefaultConfig()
	lockCfg.BaseAttempts = cfg.OptimisticLock.BaseAttempts
	lockCfg.ElevatedAttempts = cfg.OptimisticLock.ElevatedAttempts
	lockCfg.DegradedAttempts = cfg.OptimisticLock.DegradedAttempts
	lockCfg.BaseDelay = cfg.OptimisticLock.BaseDelay
	lockCfg.MaxDelay = cfg.OptimisticLock.MaxDelay
	locks := optimistic.NewCoordinator(lockCfg)

	a := &app{
		cfg:        cfg,
		dispatcher: services.NewCallbackDispatcher(cfg.Callback, nil),
		prompts:    database.NewPromptAdapter(local),
		remote:     database.NewEncryptedDataAdapter(remote),
		patients:   database.NewPatientAdapter(local),
		templates:  database.NewPromptTemplateAdapter(local),
		locks:      locks,
		closers:    []io.Closer{local, remote},
	}
	a.lifecycle = services.NewPromptLifecycleService(
		a.prompts,
		execClient,
		a.dispatcher,
		nil,
		locks,
		retry.NewExecutor(retry.Config{
			MaxRetries:           cfg.Retry.MaxRetries,
			InitialDelay:         cfg.Retry.InitialDelay,
			MaxDelay:             cfg.Retry.MaxDelay,
			BackoffFactor:        cfg.Retry.Multiplier,
			RetryableStatusCodes: cfg.Retry.RetryableStatusCodes,
		}),
		nethealth.NewTracker(cfg.ExecutionServer.FailureThreshold),
		nil,
		cfg.ExecutionServer.RequestIDPrefix,
	)
	a.lifecycle.SetSubmitDeadline(cfg.ExecutionServer.SubmitDeadline)
	return a, nil
}

// Close waits for pending result callbacks, then closes the databases.
func (a *app) Close(ctx context.Context) {
	_ = a.dispatcher.Wait(ctx)
	for _, c := range a.closers {
		_ = c.Close()
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
