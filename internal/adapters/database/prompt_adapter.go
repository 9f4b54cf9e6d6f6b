package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
)

const (
	promptsTable     = "prompts"
	transitionsTable = "prompt_transitions"
)

var promptColumns = []interface{}{
	"id", "patient_id", "template_name", "objective_content", "daily_records",
	"template_content", "content_hash", "status_name", "submission_time",
	"priority", "version", "updated_at",
}

// PromptAdapter implements the PromptRepository interface
type PromptAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewPromptAdapter creates a new prompt adapter
func NewPromptAdapter(client *postgres.Client) repositories.PromptRepository {
	return &PromptAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Create inserts a prompt unless one with the same content hash exists
func (a *PromptAdapter) Create(ctx context.Context, prompt *entities.Prompt) (bool, error) {
	if prompt == nil {
		return false, apperrors.NewInternalError("prompt is nil", fmt.Errorf("prompt is nil"))
	}

	record := goqu.Record{
		"patient_id":        prompt.PatientID,
		"template_name":     prompt.TemplateName,
		"objective_content": prompt.ObjectiveContent,
		"daily_records":     prompt.DailyRecords,
		"template_content":  prompt.TemplateContent,
		"content_hash":      prompt.ContentHash,
		"status_name":       prompt.Status,
		"submission_time":   prompt.SubmissionTime,
		"priority":          prompt.Priority,
		"version":           prompt.Version,
		"updated_at":        prompt.UpdatedAt,
	}

	query, args, err := a.db.Insert(promptsTable).
		Rows(record).
		OnConflict(goqu.DoNothing()).
		Returning("id").
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build insert query", err)
	}

	var id int64
	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(&id)
	if err == nil {
		prompt.ID = id
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, apperrors.NewInternalError("failed to create prompt", err)
	}

	// Lost the race on content_hash; hand back the winner.
	existing, err := a.FindByContentHash(ctx, prompt.ContentHash)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, apperrors.NewInternalError("prompt insert skipped but no row found for content hash", fmt.Errorf("hash %s", prompt.ContentHash))
	}
	*prompt = *existing
	return false, nil
}

// GetByID retrieves a prompt by ID
func (a *PromptAdapter) GetByID(ctx context.Context, id int64) (*entities.Prompt, error) {
	query, args, err := a.db.Select(promptColumns...).
		From(promptsTable).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	prompt, err := scanPrompt(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("prompt with id %d not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get prompt", err)
	}
	return prompt, nil
}

// GetByIDs retrieves the prompts that exist among ids
func (a *PromptAdapter) GetByIDs(ctx context.Context, ids []int64) ([]*entities.Prompt, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := a.db.Select(promptColumns...).
		From(promptsTable).
		Where(goqu.Ex{"id": ids}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return a.queryPrompts(ctx, query, args)
}

// FindByContentHash returns nil, nil when no prompt has the hash
func (a *PromptAdapter) FindByContentHash(ctx context.Context, hash string) (*entities.Prompt, error) {
	query, args, err := a.db.Select(promptColumns...).
		From(promptsTable).
		Where(goqu.Ex{"content_hash": hash}).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	prompt, err := scanPrompt(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to find prompt by content hash", err)
	}
	return prompt, nil
}

// CompareAndSetStatus performs the version-checked status update
func (a *PromptAdapter) CompareAndSetStatus(ctx context.Context, id, expectedVersion int64, status entities.PromptStatus, at time.Time) error {
	query, args, err := a.db.Update(promptsTable).
		Set(goqu.Record{
			"status_name": status,
			"version":     goqu.L("version + 1"),
			"updated_at":  at,
		}).
		Where(goqu.Ex{"id": id, "version": expectedVersion}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update prompt status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperrors.NewInternalError("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("prompt %d at version %d: %w", id, expectedVersion, optimistic.ErrVersionConflict)
	}
	return nil
}

// List retrieves prompts matching filter in ascending id order
func (a *PromptAdapter) List(ctx context.Context, filter repositories.PromptFilter) ([]*entities.Prompt, error) {
	ds := a.db.Select(promptColumns...).From(promptsTable)

	if filter.Status != "" {
		ds = ds.Where(goqu.Ex{"status_name": filter.Status})
	}
	if filter.UpdatedBefore != nil {
		ds = ds.Where(goqu.C("updated_at").Lt(*filter.UpdatedBefore))
	}
	if filter.AfterID > 0 {
		ds = ds.Where(goqu.C("id").Gt(filter.AfterID))
	}

	ds = ds.Order(goqu.C("id").Asc())

	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}
	if filter.Offset > 0 {
		ds = ds.Offset(uint(filter.Offset))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return a.queryPrompts(ctx, query, args)
}

// CountByStatus returns prompt counts keyed by status
func (a *PromptAdapter) CountByStatus(ctx context.Context) (map[entities.PromptStatus]int64, error) {
	query, args, err := a.db.Select("status_name", goqu.COUNT("*")).
		From(promptsTable).
		GroupBy("status_name").
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to count prompts", err)
	}
	defer rows.Close()

	counts := make(map[entities.PromptStatus]int64)
	for rows.Next() {
		var status entities.PromptStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.NewInternalError("failed to scan prompt count", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("error iterating prompt counts", err)
	}
	return counts, nil
}

// RecordTransition appends an audit row
func (a *PromptAdapter) RecordTransition(ctx context.Context, transition *entities.PromptTransition) error {
	record := goqu.Record{
		"prompt_id":   transition.PromptID,
		"from_status": transition.FromStatus,
		"to_status":   transition.ToStatus,
		"version":     transition.Version,
		"actor":       sql.NullString{String: transition.Actor, Valid: transition.Actor != ""},
		"reason":      sql.NullString{String: transition.Reason, Valid: transition.Reason != ""},
		"created_at":  transition.CreatedAt,
	}

	query, args, err := a.db.Insert(transitionsTable).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to record prompt transition", err)
	}
	return nil
}

// ListTransitions returns the audit trail of one prompt
func (a *PromptAdapter) ListTransitions(ctx context.Context, promptID int64) ([]*entities.PromptTransition, error) {
	query, args, err := a.db.Select("prompt_id", "from_status", "to_status", "version", "actor", "reason", "created_at").
		From(transitionsTable).
		Where(goqu.Ex{"prompt_id": promptID}).
		Order(goqu.C("version").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list prompt transitions", err)
	}
	defer rows.Close()

	var transitions []*entities.PromptTransition
	for rows.Next() {
		t := &entities.PromptTransition{}
		var actor, reason sql.NullString
		if err := rows.Scan(&t.PromptID, &t.FromStatus, &t.ToStatus, &t.Version, &actor, &reason, &t.CreatedAt); err != nil {
			return nil, apperrors.NewInternalError("failed to scan prompt transition", err)
		}
		t.Actor = actor.String
		t.Reason = reason.String
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("error iterating prompt transitions", err)
	}
	return transitions, nil
}

func (a *PromptAdapter) queryPrompts(ctx context.Context, query string, args []interface{}) ([]*entities.Prompt, error) {
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list prompts", err)
	}
	defer rows.Close()

	var prompts []*entities.Prompt
	for rows.Next() {
		prompt, err := scanPrompt(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan prompt", err)
		}
		prompts = append(prompts, prompt)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("error iterating prompts", err)
	}
	return prompts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrompt(row rowScanner) (*entities.Prompt, error) {
	prompt := &entities.Prompt{}
	var objective, daily, templateContent sql.NullString
	err := row.Scan(
		&prompt.ID,
		&prompt.PatientID,
		&prompt.TemplateName,
		&objective,
		&daily,
		&templateContent,
		&prompt.ContentHash,
		&prompt.Status,
		&prompt.SubmissionTime,
		&prompt.Priority,
		&prompt.Version,
		&prompt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	prompt.ObjectiveContent = objective.String
	prompt.DailyRecords = daily.String
	prompt.TemplateContent = templateContent.String
	return prompt, nil
}
