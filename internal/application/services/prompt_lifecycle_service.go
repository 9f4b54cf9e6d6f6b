package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/providers"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/nethealth"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
	"github.com/zatekoja/hisprompt/backend/pkg/retry"
)

// Actors stamped on transitions initiated by the service itself.
const (
	ActorSubmission = "submission"
	ActorCallback   = "execution-callback"
	ActorReconciler = "reconciler"
	ActorPoller     = "poller"
)

const maxListLimit = 500

// CreatePromptRequest carries the content tuple of a new prompt.
type CreatePromptRequest struct {
	PatientID        string `json:"patient_id"`
	TemplateName     string `json:"template_name"`
	ObjectiveContent string `json:"objective_content"`
	DailyRecords     string `json:"daily_records"`
	TemplateContent  string `json:"template_content"`
	Priority         int    `json:"priority"`
}

// LifecycleStats is the in-process view of lifecycle activity.
type LifecycleStats struct {
	Transitions       map[string]int64 `json:"transitions"`
	Created           int64            `json:"created"`
	Deduplicated      int64            `json:"deduplicated"`
	Submitted         int64            `json:"submitted"`
	SubmissionRetried int64            `json:"submission_rolled_back"`
	SubmissionFailed  int64            `json:"submission_failed"`
	SubmissionRefused int64            `json:"submission_refused"`
}

// PromptLifecycleService owns the prompt state machine. TransitionStatus is
// the only path that changes a stored status.
type PromptLifecycleService struct {
	prompts  repositories.PromptRepository
	server   providers.ExecutionServer
	notifier providers.CallbackNotifier
	eventBus providers.EventBus
	locks    *optimistic.Coordinator
	retrier  *retry.Executor
	health   *nethealth.Tracker
	metrics  *observability.Metrics
	prefix   string
	logger   zerolog.Logger
	now      func() time.Time

	// submitDeadline bounds one whole submission, retries included. It must
	// stay below the reconciler's grace period.
	submitDeadline time.Duration

	mu    sync.Mutex
	stats LifecycleStats
}

// NewPromptLifecycleService wires the lifecycle. notifier, eventBus and
// metrics may be nil.
func NewPromptLifecycleService(
	prompts repositories.PromptRepository,
	server providers.ExecutionServer,
	notifier providers.CallbackNotifier,
	eventBus providers.EventBus,
	locks *optimistic.Coordinator,
	retrier *retry.Executor,
	health *nethealth.Tracker,
	metrics *observability.Metrics,
	requestIDPrefix string,
) *PromptLifecycleService {
	return &PromptLifecycleService{
		prompts:  prompts,
		server:   server,
		notifier: notifier,
		eventBus: eventBus,
		locks:    locks,
		retrier:  retrier,
		health:   health,
		metrics:  metrics,
		prefix:   requestIDPrefix,
		logger:   observability.ComponentLogger("prompt_lifecycle"),
		now:      time.Now,
		stats:    LifecycleStats{Transitions: make(map[string]int64)},
	}
}

// RequestIDPrefix returns the prefix joining prompts to remote records.
func (s *PromptLifecycleService) RequestIDPrefix() string {
	return s.prefix
}

// RequestID returns the execution server key of a prompt.
func (s *PromptLifecycleService) RequestID(promptID int64) string {
	return entities.RequestID(s.prefix, promptID)
}

// SetSubmitDeadline caps the time one submission may spend calling the
// execution server. Zero leaves only the caller's context in charge.
func (s *PromptLifecycleService) SetSubmitDeadline(d time.Duration) {
	s.submitDeadline = d
}

// Locks exposes the optimistic lock coordinator for monitoring.
func (s *PromptLifecycleService) Locks() *optimistic.Coordinator {
	return s.locks
}

// Health exposes the execution server health tracker for monitoring.
func (s *PromptLifecycleService) Health() *nethealth.Tracker {
	return s.health
}

// CreateOrGetPrompt persists a PENDING prompt for the content tuple, or
// returns the prompt that already exists for it. created reports which.
func (s *PromptLifecycleService) CreateOrGetPrompt(ctx context.Context, req CreatePromptRequest) (*entities.Prompt, bool, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, false, apperrors.NewValidationError("patient_id is required")
	}
	if strings.TrimSpace(req.TemplateName) == "" {
		return nil, false, apperrors.NewValidationError("template_name is required")
	}

	content := entities.PromptContent{
		PatientID:        req.PatientID,
		TemplateName:     req.TemplateName,
		ObjectiveContent: req.ObjectiveContent,
		DailyRecords:     req.DailyRecords,
		TemplateContent:  req.TemplateContent,
	}
	hash := content.Hash()

	existing, err := s.prompts.FindByContentHash(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.bump(func(st *LifecycleStats) { st.Deduplicated++ })
		s.logger.Debug().Int64("prompt_id", existing.ID).Str("patient_id", req.PatientID).Msg("Prompt already exists for content")
		return existing, false, nil
	}

	priority := req.Priority
	if priority <= 0 {
		priority = entities.DefaultPromptPriority
	}
	now := s.now()
	prompt := &entities.Prompt{
		PatientID:        req.PatientID,
		TemplateName:     req.TemplateName,
		ObjectiveContent: req.ObjectiveContent,
		DailyRecords:     req.DailyRecords,
		TemplateContent:  req.TemplateContent,
		ContentHash:      hash,
		Status:           entities.PromptStatusPending,
		SubmissionTime:   now,
		Priority:         priority,
		Version:          0,
		UpdatedAt:        now,
	}

	created, err := s.prompts.Create(ctx, prompt)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.bump(func(st *LifecycleStats) { st.Deduplicated++ })
		return prompt, false, nil
	}

	s.bump(func(st *LifecycleStats) { st.Created++ })
	s.logger.Info().
		Int64("prompt_id", prompt.ID).
		Str("patient_id", prompt.PatientID).
		Str("template", prompt.TemplateName).
		Msg("Prompt created")
	s.publish(ctx, entities.NewPromptEvent(prompt, entities.PromptEventTypeCreated, "", "", ""))
	return prompt, true, nil
}

// GetPrompt retrieves one prompt.
func (s *PromptLifecycleService) GetPrompt(ctx context.Context, id int64) (*entities.Prompt, error) {
	return s.prompts.GetByID(ctx, id)
}

// ListPrompts lists prompts, optionally filtered by status.
func (s *PromptLifecycleService) ListPrompts(ctx context.Context, status entities.PromptStatus, limit, offset int) ([]*entities.Prompt, error) {
	if status != "" && !status.IsValid() {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown status %q", status))
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.prompts.List(ctx, repositories.PromptFilter{Status: status, Limit: limit, Offset: offset})
}

// ListTransitions returns the audit trail of a prompt.
func (s *PromptLifecycleService) ListTransitions(ctx context.Context, id int64) ([]*entities.PromptTransition, error) {
	return s.prompts.ListTransitions(ctx, id)
}

type transitionOutcome struct {
	prompt    *entities.Prompt
	from      entities.PromptStatus
	changed   bool
	enteredAt time.Time
}

// TransitionStatus moves a prompt to newStatus along a lifecycle edge. A
// request for the current status is a no-op that does not bump the version.
func (s *PromptLifecycleService) TransitionStatus(ctx context.Context, id int64, newStatus entities.PromptStatus, reason, actor string) (*entities.Prompt, error) {
	outcome, err := s.transition(ctx, id, newStatus, reason, actor, "")
	if err != nil {
		return nil, err
	}
	return outcome.prompt, nil
}

func (s *PromptLifecycleService) transition(ctx context.Context, id int64, to entities.PromptStatus, reason, actor, result string) (transitionOutcome, error) {
	if !to.IsValid() {
		return transitionOutcome{}, apperrors.NewInvalidTransitionError(fmt.Sprintf("unknown target status %q", to))
	}

	label := fmt.Sprintf("prompt %d -> %s", id, to)
	outcome, err := optimistic.Execute(ctx, s.locks, label, func(ctx context.Context) (transitionOutcome, error) {
		current, err := s.prompts.GetByID(ctx, id)
		if err != nil {
			return transitionOutcome{}, err
		}
		if current.Status == to {
			return transitionOutcome{prompt: current, from: current.Status}, nil
		}
		if !current.Status.CanTransitionTo(to) {
			return transitionOutcome{}, apperrors.NewInvalidTransitionError(
				fmt.Sprintf("prompt %d cannot move from %s to %s", id, current.Status, to))
		}

		at := s.now()
		if err := s.prompts.CompareAndSetStatus(ctx, id, current.Version, to, at); err != nil {
			return transitionOutcome{}, err
		}

		out := transitionOutcome{from: current.Status, changed: true, enteredAt: current.UpdatedAt}
		current.Status = to
		current.Version++
		current.UpdatedAt = at
		out.prompt = current
		return out, nil
	}, nil)
	if err != nil {
		var exhausted *optimistic.ExhaustedError
		if errors.As(err, &exhausted) {
			return transitionOutcome{}, apperrors.NewConflictError(
				fmt.Sprintf("prompt %d is being updated concurrently, gave up after %d attempts", id, exhausted.Attempts), err)
		}
		return transitionOutcome{}, err
	}

	if outcome.changed {
		s.afterTransition(ctx, outcome, reason, actor, result)
	}
	return outcome, nil
}

func (s *PromptLifecycleService) afterTransition(ctx context.Context, outcome transitionOutcome, reason, actor, result string) {
	prompt := outcome.prompt
	s.logger.Info().
		Int64("prompt_id", prompt.ID).
		Str("from", string(outcome.from)).
		Str("to", string(prompt.Status)).
		Int64("version", prompt.Version).
		Str("actor", actor).
		Str("reason", reason).
		Msg("Prompt status changed")

	key := string(outcome.from) + "->" + string(prompt.Status)
	s.bump(func(st *LifecycleStats) { st.Transitions[key]++ })

	var inPrevious time.Duration
	if !outcome.enteredAt.IsZero() {
		inPrevious = prompt.UpdatedAt.Sub(outcome.enteredAt)
	}
	observability.RecordTransition(ctx, s.metrics, string(outcome.from), string(prompt.Status), inPrevious)

	audit := &entities.PromptTransition{
		PromptID:   prompt.ID,
		FromStatus: outcome.from,
		ToStatus:   prompt.Status,
		Version:    prompt.Version,
		Actor:      actor,
		Reason:     reason,
		CreatedAt:  prompt.UpdatedAt,
	}
	if err := s.prompts.RecordTransition(context.WithoutCancel(ctx), audit); err != nil {
		s.logger.Warn().Err(err).Int64("prompt_id", prompt.ID).Msg("Failed to record prompt transition")
	}

	eventType := entities.PromptEventTypeTransition
	if actor == ActorReconciler {
		eventType = entities.PromptEventTypeReconciled
	}
	s.publish(ctx, entities.NewPromptEvent(prompt, eventType, outcome.from, actor, reason))

	if prompt.Status.IsTerminal() && s.notifier != nil {
		data := &entities.CallbackData{
			DataID:    s.RequestID(prompt.ID),
			PromptID:  prompt.ID,
			Status:    entities.CallbackStatusSuccess,
			Result:    result,
			Timestamp: prompt.UpdatedAt,
		}
		if prompt.Status == entities.PromptStatusFailed {
			data.Status = entities.CallbackStatusFailed
			data.Result = ""
			data.ErrorMessage = firstNonEmpty(result, reason)
		}
		s.notifier.DispatchAsync(ctx, data)
	}
}

// ResolveTerminal drives a prompt to COMPLETED or FAILED. A PENDING prompt
// first moves to SUBMITTED so that no lifecycle edge is skipped.
func (s *PromptLifecycleService) ResolveTerminal(ctx context.Context, id int64, target entities.PromptStatus, reason, actor, result string) (*entities.Prompt, error) {
	if !target.IsTerminal() {
		return nil, apperrors.NewInvalidTransitionError(fmt.Sprintf("%s is not a terminal status", target))
	}

	current, err := s.prompts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == entities.PromptStatusPending {
		if _, err := s.transition(ctx, id, entities.PromptStatusSubmitted, reason, actor, ""); err != nil {
			return nil, err
		}
	}

	outcome, err := s.transition(ctx, id, target, reason, actor, result)
	if err != nil {
		return nil, err
	}
	return outcome.prompt, nil
}

// SubmitPrompt hands a PENDING prompt to the execution server. Only the
// caller that wins PENDING -> SUBMITTED performs the remote call, so a
// prompt is submitted at most once per PENDING period.
func (s *PromptLifecycleService) SubmitPrompt(ctx context.Context, id int64, actor string) (*entities.Prompt, error) {
	if actor == "" {
		actor = ActorSubmission
	}

	prompt, err := s.prompts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch prompt.Status {
	case entities.PromptStatusSubmitted, entities.PromptStatusCompleted:
		return prompt, nil
	case entities.PromptStatusFailed:
		return nil, apperrors.NewInvalidTransitionError(fmt.Sprintf("prompt %d already failed", id))
	}

	if !s.health.IsHealthy() {
		s.bump(func(st *LifecycleStats) { st.SubmissionRefused++ })
		observability.RecordSubmission(ctx, s.metrics, "refused")
		return nil, apperrors.NewExternalError(
			fmt.Sprintf("execution server unhealthy, prompt %d left pending", id),
			fmt.Errorf("%d consecutive failures", s.health.Snapshot().ConsecutiveFailures))
	}

	outcome, err := s.transition(ctx, id, entities.PromptStatusSubmitted, "submitting to execution server", actor, "")
	if err != nil {
		if apperrors.IsInvalidTransition(err) {
			if latest, gerr := s.prompts.GetByID(ctx, id); gerr == nil && latest.Status != entities.PromptStatusFailed {
				return latest, nil
			}
		}
		return nil, err
	}
	if !outcome.changed {
		// Someone else won the race and owns the submission.
		return outcome.prompt, nil
	}
	prompt = outcome.prompt

	req := &providers.ExecutionRequest{
		RequestID:    s.RequestID(prompt.ID),
		PatientID:    prompt.PatientID,
		TemplateName: prompt.TemplateName,
		Priority:     prompt.Priority,
		Payload:      []byte(prompt.TemplateContent),
	}

	callCtx := ctx
	if s.submitDeadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.submitDeadline)
		defer cancel()
	}

	executor := s.retrier.WithMaxRetries(s.health.RecommendedRetries())
	err = executor.Execute(callCtx, func(ctx context.Context) error {
		start := time.Now()
		err := s.server.Submit(ctx, req)
		s.health.RecordResult(reachedServer(err), time.Since(start))
		return err
	}, nil)
	if err == nil {
		s.bump(func(st *LifecycleStats) { st.Submitted++ })
		observability.RecordSubmission(ctx, s.metrics, "submitted")
		s.logger.Info().Int64("prompt_id", prompt.ID).Str("request_id", req.RequestID).Msg("Prompt submitted")
		return prompt, nil
	}

	// The prompt must not stay SUBMITTED after a failed call, even if the
	// caller has gone away.
	bg := context.WithoutCancel(ctx)
	if !isRemoteRejection(err) {
		s.bump(func(st *LifecycleStats) { st.SubmissionRetried++ })
		observability.RecordSubmission(ctx, s.metrics, "rolled_back")
		if _, rerr := s.transition(bg, id, entities.PromptStatusPending, "submission failed: "+err.Error(), actor, ""); rerr != nil {
			s.logger.Error().Err(rerr).Int64("prompt_id", id).Msg("Failed to roll back submission")
		}
		return nil, apperrors.NewExternalError(fmt.Sprintf("execution server unreachable, prompt %d returned to pending", id), err)
	}

	s.bump(func(st *LifecycleStats) { st.SubmissionFailed++ })
	observability.RecordSubmission(ctx, s.metrics, "rejected")
	if _, ferr := s.transition(bg, id, entities.PromptStatusFailed, "execution server rejected submission", actor, err.Error()); ferr != nil {
		s.logger.Error().Err(ferr).Int64("prompt_id", id).Msg("Failed to mark rejected prompt as failed")
	}
	return nil, apperrors.NewExternalError(fmt.Sprintf("execution server rejected prompt %d", id), err)
}

// HandleExecutionCallback applies a result reported by the execution server.
func (s *PromptLifecycleService) HandleExecutionCallback(ctx context.Context, data *entities.CallbackData) (*entities.Prompt, error) {
	if data == nil || !data.Status.IsValid() {
		return nil, apperrors.NewValidationError("callback status must be one of SUCCESS, FAILED, PROCESSING, RETRYING")
	}

	id := data.PromptID
	if id <= 0 {
		parsed, ok := entities.PromptIDFromRequestID(s.prefix, data.DataID)
		if !ok {
			return nil, apperrors.NewValidationError(fmt.Sprintf("cannot resolve prompt from data id %q", data.DataID))
		}
		id = parsed
	}

	switch data.Status {
	case entities.CallbackStatusSuccess:
		return s.ResolveTerminal(ctx, id, entities.PromptStatusCompleted, "execution server reported success", ActorCallback, data.Result)
	case entities.CallbackStatusFailed:
		return s.ResolveTerminal(ctx, id, entities.PromptStatusFailed, "execution server reported failure", ActorCallback, data.ErrorMessage)
	default:
		s.logger.Info().
			Int64("prompt_id", id).
			Str("status", string(data.Status)).
			Int("retry_count", data.RetryCount).
			Msg("Execution progress reported")
		return s.prompts.GetByID(ctx, id)
	}
}

// StatusCounts returns how many stored prompts sit in each status.
func (s *PromptLifecycleService) StatusCounts(ctx context.Context) (map[entities.PromptStatus]int64, error) {
	counts, err := s.prompts.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count prompts by status: %w", err)
	}
	return counts, nil
}

// Stats returns a copy of the lifecycle counters.
func (s *PromptLifecycleService) Stats() LifecycleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Transitions = make(map[string]int64, len(s.stats.Transitions))
	for k, v := range s.stats.Transitions {
		out.Transitions[k] = v
	}
	return out
}

// ResetCounters clears the lifecycle, lock and network counters.
func (s *PromptLifecycleService) ResetCounters() {
	s.mu.Lock()
	s.stats = LifecycleStats{Transitions: make(map[string]int64)}
	s.mu.Unlock()
	s.locks.Reset()
	s.health.Reset()
}

func (s *PromptLifecycleService) bump(fn func(st *LifecycleStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *PromptLifecycleService) publish(ctx context.Context, event *entities.PromptEvent) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishPromptEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn().Err(err).Int64("prompt_id", event.PromptID).Msg("Failed to publish prompt event")
	}
}

// reachedServer reports whether err still proves the server answered.
func reachedServer(err error) bool {
	if err == nil {
		return true
	}
	var statusErr *retry.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode < 500
}

// isRemoteRejection reports whether the server answered with a status the
// retry policy will never accept. Exhausted retries and local failures are not
// rejections.
func isRemoteRejection(err error) bool {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}
	var statusErr *retry.StatusError
	return errors.As(err, &statusErr)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
