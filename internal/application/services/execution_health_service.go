package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
)

const defaultProbeTimeout = 5 * time.Second

// ExecutionHealthService probes the execution server and feeds the outcome
// into the shared health tracker.
type ExecutionHealthService struct {
	server  providers.ExecutionServer
	tracker *nethealth.Tracker
	timeout time.Duration
	logger  zerolog.Logger
}

func NewExecutionHealthService(server providers.ExecutionServer, tracker *nethealth.Tracker, timeout time.Duration) *ExecutionHealthService {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &ExecutionHealthService{
		server:  server,
		tracker: tracker,
		timeout: timeout,
		logger:  observability.ComponentLogger("execution_health"),
	}
}

// Probe performs one health check and records it. It returns the tracker's
// verdict after the check, not the raw probe outcome.
func (s *ExecutionHealthService) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wasHealthy := s.tracker.IsHealthy()
	start := time.Now()
	ok, err := s.server.Health(probeCtx)
	s.tracker.RecordResult(ok && err == nil, time.Since(start))

	healthy := s.tracker.IsHealthy()
	if healthy != wasHealthy {
		event := s.logger.Warn()
		if healthy {
			event = s.logger.Info()
		}
		event.Err(err).
			Bool("healthy", healthy).
			Str("base_url", s.server.BaseURL()).
			Msg("Execution server health changed")
	}
	return healthy
}

// Status returns the tracker snapshot together with the configured server.
func (s *ExecutionHealthService) Status() (nethealth.Stats, string) {
	return s.tracker.Snapshot(), s.server.BaseURL()
}

// SetBaseURL points the client at a new execution server. Health history
// belongs to the previous server, so it is cleared.
func (s *ExecutionHealthService) SetBaseURL(baseURL string) error {
	previous := s.server.BaseURL()
	if err := s.server.SetBaseURL(baseURL); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	s.tracker.Reset()
	s.logger.Info().Str("previous", previous).Str("base_url", baseURL).Msg("Execution server address updated")
	return nil
}

// StartPeriodic probes every interval until ctx is cancelled.
func (s *ExecutionHealthService) StartPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("Stopping execution server health probe")
				return
			case <-ticker.C:
				s.safeProbe(ctx)
			}
		}
	}()

	s.logger.Info().Dur("interval", interval).Msg("Started execution server health probe")
}

func (s *ExecutionHealthService) safeProbe(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Msg("Execution server health probe panicked")
		}
	}()
	s.Probe(ctx)
}
