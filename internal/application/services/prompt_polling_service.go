package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
)

// PollSummary is the outcome of one polling pass.
type PollSummary struct {
	Checked   int      `json:"checked"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	Waiting   int      `json:"waiting"`
	Errors    []string `json:"errors,omitempty"`
}

// PromptPollingService resolves SUBMITTED prompts by reading the execution
// server's encrypted data store, for results whose callback never arrived.
type PromptPollingService struct {
	lifecycle *PromptLifecycleService
	prompts   repositories.PromptRepository
	remote    repositories.EncryptedDataRepository
	batch     int
	logger    zerolog.Logger
}

// NewPromptPollingService creates a poller that inspects up to batch
// prompts per pass.
func NewPromptPollingService(lifecycle *PromptLifecycleService, prompts repositories.PromptRepository, remote repositories.EncryptedDataRepository, batch int) *PromptPollingService {
	if batch <= 0 {
		batch = maxListLimit
	}
	return &PromptPollingService{
		lifecycle: lifecycle,
		prompts:   prompts,
		remote:    remote,
		batch:     batch,
		logger:    observability.ComponentLogger("prompt_poller"),
	}
}

// PollOnce checks every SUBMITTED prompt once, batch by batch in id order.
// SENT records complete their prompt with the decrypted data, ERROR records
// fail it.
func (s *PromptPollingService) PollOnce(ctx context.Context) (*PollSummary, error) {
	summary := &PollSummary{}
	var afterID int64
	for {
		submitted, err := s.prompts.List(ctx, repositories.PromptFilter{
			Status:  entities.PromptStatusSubmitted,
			AfterID: afterID,
			Limit:   s.batch,
		})
		if err != nil {
			return summary, fmt.Errorf("failed to list submitted prompts: %w", err)
		}
		if len(submitted) == 0 {
			break
		}
		summary.Checked += len(submitted)
		if err := s.pollBatch(ctx, submitted, summary); err != nil {
			return summary, err
		}
		if len(submitted) < s.batch {
			break
		}
		afterID = submitted[len(submitted)-1].ID
		if err := ctx.Err(); err != nil {
			return summary, err
		}
	}

	if summary.Completed > 0 || summary.Failed > 0 {
		s.logger.Info().
			Int("checked", summary.Checked).
			Int("completed", summary.Completed).
			Int("failed", summary.Failed).
			Msg("Polling pass resolved prompts")
	}
	return summary, nil
}

func (s *PromptPollingService) pollBatch(ctx context.Context, submitted []*entities.Prompt, summary *PollSummary) error {
	requestIDs := make([]string, 0, len(submitted))
	for _, p := range submitted {
		requestIDs = append(requestIDs, s.lifecycle.RequestID(p.ID))
	}
	records, err := s.remote.FindByRequestIDs(ctx, requestIDs)
	if err != nil {
		return fmt.Errorf("failed to read encrypted data: %w", err)
	}

	for _, p := range submitted {
		record, ok := records[s.lifecycle.RequestID(p.ID)]
		if !ok {
			summary.Waiting++
			continue
		}

		switch record.Status {
		case entities.EncryptedDataStatusSent:
			_, err = s.lifecycle.ResolveTerminal(ctx, p.ID, entities.PromptStatusCompleted,
				"execution server sent the result", ActorPoller, record.DecryptedData)
			if err == nil {
				summary.Completed++
			}
		case entities.EncryptedDataStatusError:
			_, err = s.lifecycle.ResolveTerminal(ctx, p.ID, entities.PromptStatusFailed,
				"execution server reported an error", ActorPoller, record.DecryptedData)
			if err == nil {
				summary.Failed++
			}
		default:
			summary.Waiting++
			continue
		}

		if err != nil {
			s.logger.Warn().Err(err).Int64("prompt_id", p.ID).Msg("Failed to resolve polled prompt")
			summary.Errors = append(summary.Errors, fmt.Sprintf("prompt %d: %v", p.ID, err))
		}
	}
	return nil
}

// StartPeriodic polls every interval until ctx is cancelled.
func (s *PromptPollingService) StartPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("Stopping prompt poller")
				return
			case <-ticker.C:
				s.safePoll(ctx)
			}
		}
	}()

	s.logger.Info().Dur("interval", interval).Msg("Started prompt poller")
}

func (s *PromptPollingService) safePoll(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error().Interface("panic", p).Msg("Polling pass panicked")
		}
	}()
	if _, err := s.PollOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Polling pass failed")
	}
}
