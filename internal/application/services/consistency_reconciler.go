package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	"github.com/zatekoja/hisprompt/backend/pkg/config"
)

const (
	lastReconciliationKey = "reconciliation:last"
	lastReconciliationTTL = 24 * time.Hour

	phaseMissingData = "missing_encrypted_data"
	phaseSentData    = "sent_data_incomplete_prompt"
	phaseOrphans     = "orphan_encrypted_data"
)

// ConsistencyReconciler cross-checks prompt statuses against the execution
// server's encrypted data store and repairs what it safely can. Every fix is
// a lifecycle transition; the reconciler never writes a status itself.
type ConsistencyReconciler struct {
	lifecycle *PromptLifecycleService
	prompts   repositories.PromptRepository
	remote    repositories.EncryptedDataRepository
	cache     providers.CacheProvider
	metrics   *observability.Metrics
	cfg       config.ReconciliationConfig
	logger    zerolog.Logger
	now       func() time.Time

	running atomic.Bool

	mu    sync.Mutex
	stats entities.ReconciliationStats
	last  *entities.ReconciliationResult
}

// NewConsistencyReconciler creates a reconciler. cache and metrics may be nil.
func NewConsistencyReconciler(
	lifecycle *PromptLifecycleService,
	prompts repositories.PromptRepository,
	remote repositories.EncryptedDataRepository,
	cache providers.CacheProvider,
	metrics *observability.Metrics,
	cfg config.ReconciliationConfig,
) *ConsistencyReconciler {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	return &ConsistencyReconciler{
		lifecycle: lifecycle,
		prompts:   prompts,
		remote:    remote,
		cache:     cache,
		metrics:   metrics,
		cfg:       cfg,
		logger:    observability.ComponentLogger("reconciler"),
		now:       time.Now,
	}
}

// Run performs one sweep. An overlapping call returns a Skipped result
// without touching any store.
func (r *ConsistencyReconciler) Run(ctx context.Context, trigger string) *entities.ReconciliationResult {
	started := r.now()
	result := &entities.ReconciliationResult{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		AutoFix:   r.cfg.AutoFix,
		StartedAt: started,
		Issues:    []entities.ReconciliationIssue{},
	}

	if !r.running.CompareAndSwap(false, true) {
		result.Skipped = true
		result.FinishedAt = started
		r.mu.Lock()
		r.stats.SkippedRuns++
		r.mu.Unlock()
		r.logger.Info().Str("trigger", trigger).Msg("Reconciliation already running, skipping")
		return result
	}
	defer r.running.Store(false)

	r.logger.Info().Str("run_id", result.RunID).Str("trigger", trigger).Bool("auto_fix", r.cfg.AutoFix).Msg("Starting reconciliation")

	r.runPhase(ctx, result, phaseMissingData, r.checkMissingEncryptedData)
	r.runPhase(ctx, result, phaseSentData, r.checkSentDataIncompletePrompts)
	r.runPhase(ctx, result, phaseOrphans, r.checkOrphanEncryptedData)

	result.FinishedAt = r.now()
	result.Duration = result.FinishedAt.Sub(started)

	fixed := result.FixedCount()
	r.mu.Lock()
	r.stats.TotalChecks++
	r.stats.InconsistenciesFound += int64(len(result.Issues))
	r.stats.AutoFixed += int64(fixed)
	r.stats.LastRunAt = result.FinishedAt
	r.last = result
	r.mu.Unlock()

	for _, issue := range result.Issues {
		observability.RecordReconcileIssue(ctx, r.metrics, string(issue.Type), issue.Fixed)
	}
	r.storeLastResult(ctx, result)

	r.logger.Info().
		Str("run_id", result.RunID).
		Int("checked", result.Checked).
		Int("issues", len(result.Issues)).
		Int("fixed", fixed).
		Int("phase_errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Reconciliation completed")
	return result
}

// runPhase isolates one phase so that its failure or panic cannot abort
// the other phases.
func (r *ConsistencyReconciler) runPhase(ctx context.Context, result *entities.ReconciliationResult, name string, phase func(context.Context, *entities.ReconciliationResult) error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("phase", name).Msg("Reconciliation phase panicked")
			result.Errors = append(result.Errors, entities.PhaseError{Phase: name, Message: fmt.Sprintf("panic: %v", p)})
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Errors = append(result.Errors, entities.PhaseError{Phase: name, Message: err.Error()})
		return
	}
	if err := phase(ctx, result); err != nil {
		r.logger.Error().Err(err).Str("phase", name).Msg("Reconciliation phase failed")
		result.Errors = append(result.Errors, entities.PhaseError{Phase: name, Message: err.Error()})
	}
}

// checkMissingEncryptedData finds SUBMITTED prompts the execution server has
// no record of. Nothing was processed remotely, so they go back to PENDING.
func (r *ConsistencyReconciler) checkMissingEncryptedData(ctx context.Context, result *entities.ReconciliationResult) error {
	cutoff := r.now().Add(-r.cfg.GracePeriod)
	var afterID int64
	for {
		submitted, err := r.prompts.List(ctx, repositories.PromptFilter{
			Status:        entities.PromptStatusSubmitted,
			UpdatedBefore: &cutoff,
			AfterID:       afterID,
			Limit:         r.cfg.BatchLimit,
		})
		if err != nil {
			return fmt.Errorf("list submitted prompts: %w", err)
		}
		result.Checked += len(submitted)
		if len(submitted) == 0 {
			return nil
		}
		if err := r.reportMissing(ctx, result, submitted); err != nil {
			return err
		}
		if len(submitted) < r.cfg.BatchLimit {
			return nil
		}
		afterID = submitted[len(submitted)-1].ID
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (r *ConsistencyReconciler) reportMissing(ctx context.Context, result *entities.ReconciliationResult, submitted []*entities.Prompt) error {
	requestIDs := make([]string, 0, len(submitted))
	for _, p := range submitted {
		requestIDs = append(requestIDs, r.lifecycle.RequestID(p.ID))
	}
	found, err := r.remote.FindByRequestIDs(ctx, requestIDs)
	if err != nil {
		return fmt.Errorf("look up encrypted data: %w", err)
	}

	for _, p := range submitted {
		requestID := r.lifecycle.RequestID(p.ID)
		if _, ok := found[requestID]; ok {
			continue
		}
		issue := entities.ReconciliationIssue{
			Type:        entities.IssueMissingEncryptedData,
			Description: fmt.Sprintf("prompt %d is SUBMITTED since %s but the execution server has no record", p.ID, p.UpdatedAt.Format(time.RFC3339)),
			PromptID:    p.ID,
			RequestID:   requestID,
			DetectedAt:  r.now(),
		}
		if r.cfg.AutoFix {
			_, err := r.lifecycle.TransitionStatus(ctx, p.ID, entities.PromptStatusPending, "reconciler: no encrypted data for submitted prompt", ActorReconciler)
			r.applyFixOutcome(&issue, err)
		}
		result.Issues = append(result.Issues, issue)
	}
	return nil
}

// checkSentDataIncompletePrompts finds remote records already SENT whose
// prompt never reached COMPLETED.
func (r *ConsistencyReconciler) checkSentDataIncompletePrompts(ctx context.Context, result *entities.ReconciliationResult) error {
	prefix := r.lifecycle.RequestIDPrefix()
	list := func(after string) ([]*entities.EncryptedDataTemp, error) {
		return r.remote.ListByStatus(ctx, entities.EncryptedDataStatusSent, prefix, after, r.cfg.BatchLimit)
	}
	return r.eachRemotePage(ctx, list, func(records []*entities.EncryptedDataTemp) error {
		result.Checked += len(records)
		return r.reportSentIncomplete(ctx, result, records)
	})
}

func (r *ConsistencyReconciler) reportSentIncomplete(ctx context.Context, result *entities.ReconciliationResult, records []*entities.EncryptedDataTemp) error {
	prefix := r.lifecycle.RequestIDPrefix()
	prompts, err := r.promptsFor(ctx, records)
	if err != nil {
		return err
	}

	for _, record := range records {
		id, ok := entities.PromptIDFromRequestID(prefix, record.RequestID)
		if !ok {
			continue
		}
		prompt, ok := prompts[id]
		if !ok || prompt.Status == entities.PromptStatusCompleted {
			// Missing prompts are reported by the orphan phase.
			continue
		}

		issue := entities.ReconciliationIssue{
			Type:        entities.IssueSentDataIncompletePrompt,
			Description: fmt.Sprintf("encrypted data %s is SENT but prompt %d is %s", record.RequestID, id, prompt.Status),
			PromptID:    id,
			RequestID:   record.RequestID,
			DetectedAt:  r.now(),
		}

		switch {
		case !r.cfg.AutoFix:
		case prompt.Status == entities.PromptStatusFailed:
			issue.FixError = "prompt is FAILED; operator review required"
		case r.cfg.ValidatePayload && strings.TrimSpace(record.DecryptedData) == "":
			issue.FixError = "decrypted payload is empty; refusing to complete"
		default:
			_, err := r.lifecycle.ResolveTerminal(ctx, id, entities.PromptStatusCompleted,
				"reconciler: execution server already sent the result", ActorReconciler, record.DecryptedData)
			r.applyFixOutcome(&issue, err)
		}
		result.Issues = append(result.Issues, issue)
	}
	return nil
}

// checkOrphanEncryptedData reports remote records carrying our prefix with
// no local prompt. They are never fixed.
func (r *ConsistencyReconciler) checkOrphanEncryptedData(ctx context.Context, result *entities.ReconciliationResult) error {
	prefix := r.lifecycle.RequestIDPrefix()
	list := func(after string) ([]*entities.EncryptedDataTemp, error) {
		return r.remote.ListByPrefix(ctx, prefix, after, r.cfg.BatchLimit)
	}
	return r.eachRemotePage(ctx, list, func(records []*entities.EncryptedDataTemp) error {
		prompts, err := r.promptsFor(ctx, records)
		if err != nil {
			return err
		}
		for _, record := range records {
			id, ok := entities.PromptIDFromRequestID(prefix, record.RequestID)
			if ok {
				if _, exists := prompts[id]; exists {
					continue
				}
			}
			result.Issues = append(result.Issues, entities.ReconciliationIssue{
				Type:        entities.IssueOrphanEncryptedData,
				Description: fmt.Sprintf("encrypted data %s (%s) has no matching prompt", record.RequestID, record.Status),
				PromptID:    id,
				RequestID:   record.RequestID,
				DetectedAt:  r.now(),
			})
		}
		return nil
	})
}

// eachRemotePage walks the remote table in request id order, one batch at a
// time, until a short page. Remote rows are never deleted, so a single
// oldest-first window would stay filled with rows already reconciled.
func (r *ConsistencyReconciler) eachRemotePage(
	ctx context.Context,
	list func(after string) ([]*entities.EncryptedDataTemp, error),
	visit func([]*entities.EncryptedDataTemp) error,
) error {
	after := ""
	for {
		records, err := list(after)
		if err != nil {
			return fmt.Errorf("list encrypted data: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := visit(records); err != nil {
			return err
		}
		if len(records) < r.cfg.BatchLimit {
			return nil
		}
		after = records[len(records)-1].RequestID
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (r *ConsistencyReconciler) promptsFor(ctx context.Context, records []*entities.EncryptedDataTemp) (map[int64]*entities.Prompt, error) {
	prefix := r.lifecycle.RequestIDPrefix()
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		if id, ok := entities.PromptIDFromRequestID(prefix, record.RequestID); ok {
			ids = append(ids, id)
		}
	}

	found, err := r.prompts.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	byID := make(map[int64]*entities.Prompt, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	return byID, nil
}

func (r *ConsistencyReconciler) applyFixOutcome(issue *entities.ReconciliationIssue, err error) {
	if err != nil {
		issue.FixError = err.Error()
		r.logger.Warn().Err(err).
			Str("issue", string(issue.Type)).
			Int64("prompt_id", issue.PromptID).
			Msg("Reconciliation fix failed")
		return
	}
	issue.Fixed = true
	r.logger.Info().
		Str("issue", string(issue.Type)).
		Int64("prompt_id", issue.PromptID).
		Msg("Reconciliation fix applied")
}

// Stats returns the counters accumulated since start or reset.
func (r *ConsistencyReconciler) Stats() entities.ReconciliationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// ResetStats zeroes the accumulated counters.
func (r *ConsistencyReconciler) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = entities.ReconciliationStats{}
}

// IsRunning reports whether a sweep is in progress.
func (r *ConsistencyReconciler) IsRunning() bool {
	return r.running.Load()
}

// LastResult returns the most recent sweep report, falling back to the
// shared cache when this process has not run one yet.
func (r *ConsistencyReconciler) LastResult(ctx context.Context) (*entities.ReconciliationResult, bool) {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	if last != nil {
		return last, true
	}
	if r.cache == nil {
		return nil, false
	}

	data, err := r.cache.Get(ctx, lastReconciliationKey)
	if err != nil {
		if !errors.Is(err, providers.ErrCacheMiss) {
			r.logger.Warn().Err(err).Msg("Failed to read cached reconciliation result")
		}
		return nil, false
	}
	var cached entities.ReconciliationResult
	if err := json.Unmarshal(data, &cached); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to decode cached reconciliation result")
		return nil, false
	}
	return &cached, true
}

func (r *ConsistencyReconciler) storeLastResult(ctx context.Context, result *entities.ReconciliationResult) {
	if r.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to encode reconciliation result")
		return
	}
	if err := r.cache.Set(context.WithoutCancel(ctx), lastReconciliationKey, data, lastReconciliationTTL); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to cache reconciliation result")
	}
}

// StartPeriodic runs a sweep every interval until ctx is cancelled.
func (r *ConsistencyReconciler) StartPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn().Dur("interval", interval).Msg("Periodic reconciliation disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("Stopping periodic reconciliation")
				return
			case <-ticker.C:
				r.safeRun(ctx)
			}
		}
	}()

	r.logger.Info().Dur("interval", interval).Msg("Started periodic reconciliation")
}

func (r *ConsistencyReconciler) safeRun(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Scheduled reconciliation panicked")
		}
	}()
	r.Run(ctx, "scheduled")
}
