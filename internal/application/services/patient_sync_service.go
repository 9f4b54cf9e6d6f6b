package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
	"golang.org/x/sync/errgroup"
)

const deadlineExceededReason = "deadline exceeded"

// SyncFunc processes one patient. It must honor ctx cancellation.
type SyncFunc func(ctx context.Context, patientID string) error

// PatientSyncService fans a SyncFunc out over many patients with bounded
// concurrency and an overall deadline.
type PatientSyncService struct {
	patients repositories.PatientRepository
	locks    *optimistic.Coordinator
	syncFn   SyncFunc
	workers  int
	deadline time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last *entities.SyncSummary
}

// NewPatientSyncService creates a sync service. syncFn is the capability
// SyncAll runs for every active patient; locks may be nil.
func NewPatientSyncService(patients repositories.PatientRepository, locks *optimistic.Coordinator, syncFn SyncFunc, workers int, deadline time.Duration) *PatientSyncService {
	if workers <= 0 {
		workers = 1
	}
	if deadline <= 0 {
		deadline = 2 * time.Hour
	}
	return &PatientSyncService{
		patients: patients,
		locks:    locks,
		syncFn:   syncFn,
		workers:  workers,
		deadline: deadline,
		logger:   observability.ComponentLogger("patient_sync"),
		now:      time.Now,
	}
}

// Concurrency returns the worker count for the next run. It shrinks when
// the lock coordinator reports write contention.
func (s *PatientSyncService) Concurrency() int {
	workers := s.workers
	if s.locks != nil {
		if recommended := s.locks.RecommendedConcurrencyLevel(); recommended > 0 && recommended < workers {
			workers = recommended
		}
	}
	return workers
}

type itemOutcome struct {
	err error
}

// SyncPatients runs fn for every id. Failures are isolated: each is recorded
// and the rest continue. Items without an outcome when the deadline passes
// are recorded as failed even if their goroutine is still running.
func (s *PatientSyncService) SyncPatients(ctx context.Context, ids []string, fn SyncFunc) *entities.SyncSummary {
	started := s.now()
	workers := s.Concurrency()
	summary := &entities.SyncSummary{
		Name:        "patients",
		Total:       len(ids),
		Concurrency: workers,
		StartedAt:   started,
	}

	runCtx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	var (
		mu       sync.Mutex
		closed   bool
		outcomes = make(map[int]itemOutcome, len(ids))
	)
	record := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			outcomes[i] = itemOutcome{err: err}
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(workers)
		for i, id := range ids {
			if runCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				if runCtx.Err() != nil {
					return nil
				}
				record(i, s.runItem(runCtx, id, fn))
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-runCtx.Done():
	}

	mu.Lock()
	closed = true
	for i, id := range ids {
		outcome, ok := outcomes[i]
		switch {
		case !ok:
			summary.Failed++
			summary.TimedOut++
			summary.Failures = append(summary.Failures, entities.SyncItemFailure{ID: id, Reason: deadlineExceededReason})
		case outcome.err != nil:
			summary.Failed++
			reason := outcome.err.Error()
			if errors.Is(outcome.err, context.DeadlineExceeded) {
				summary.TimedOut++
				reason = deadlineExceededReason
			}
			summary.Failures = append(summary.Failures, entities.SyncItemFailure{ID: id, Reason: reason})
		default:
			summary.Succeeded++
		}
	}
	mu.Unlock()

	summary.Duration = s.now().Sub(started)

	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()

	s.logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("timed_out", summary.TimedOut).
		Int("concurrency", workers).
		Dur("duration", summary.Duration).
		Msg("Patient sync finished")
	return summary
}

func (s *PatientSyncService) runItem(ctx context.Context, id string, fn SyncFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if err := fn(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", id).Msg("Patient sync item failed")
		return err
	}
	return nil
}

// SyncAll runs the configured SyncFunc over every active patient.
func (s *PatientSyncService) SyncAll(ctx context.Context) (*entities.SyncSummary, error) {
	if s.syncFn == nil {
		return nil, errors.New("no sync function configured")
	}
	ids, err := s.patients.ListActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active patients: %w", err)
	}

	summary := s.SyncPatients(ctx, ids, s.syncFn)
	summary.Name = "nightly"
	return summary, nil
}

// LastSummary returns the most recent run, if any.
func (s *PatientSyncService) LastSummary() (*entities.SyncSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.last != nil
}

// StartNightly runs SyncAll once a day at hour (local time) until ctx is
// cancelled.
func (s *PatientSyncService) StartNightly(ctx context.Context, hour int) {
	if hour < 0 || hour > 23 {
		s.logger.Warn().Int("hour", hour).Msg("Invalid nightly sync hour, scheduler disabled")
		return
	}

	go func() {
		for {
			wait := nextRunIn(s.now(), hour)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info().Msg("Stopping nightly patient sync")
				return
			case <-timer.C:
				s.safeSyncAll(ctx)
			}
		}
	}()

	s.logger.Info().Int("hour", hour).Msg("Scheduled nightly patient sync")
}

func (s *PatientSyncService) safeSyncAll(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Msg("Nightly patient sync panicked")
		}
	}()
	if _, err := s.SyncAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Nightly patient sync failed")
	}
}

// nextRunIn returns the time until the next occurrence of hour:00 after now.
func nextRunIn(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
