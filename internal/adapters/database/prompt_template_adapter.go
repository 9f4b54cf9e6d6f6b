package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
)

// PromptTemplateAdapter reads prompt templates from Postgres.
type PromptTemplateAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewPromptTemplateAdapter creates a new prompt template adapter
func NewPromptTemplateAdapter(client *postgres.Client) repositories.PromptTemplateRepository {
	return &PromptTemplateAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// ListActive lists active templates by priority
func (a *PromptTemplateAdapter) ListActive(ctx context.Context) ([]*entities.PromptTemplate, error) {
	query, args, err := a.db.Select("name", "content", "active", "priority").
		From("prompt_templates").
		Where(goqu.Ex{"active": true}).
		Order(goqu.C("priority").Desc(), goqu.C("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list prompt templates", err)
	}
	defer rows.Close()

	var templates []*entities.PromptTemplate
	for rows.Next() {
		tmpl := &entities.PromptTemplate{}
		if err := rows.Scan(&tmpl.Name, &tmpl.Content, &tmpl.Active, &tmpl.Priority); err != nil {
			return nil, apperrors.NewInternalError("failed to scan prompt template", err)
		}
		templates = append(templates, tmpl)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("error iterating prompt templates", err)
	}
	return templates, nil
}

// GetByName retrieves a template by name
func (a *PromptTemplateAdapter) GetByName(ctx context.Context, name string) (*entities.PromptTemplate, error) {
	query, args, err := a.db.Select("name", "content", "active", "priority").
		From("prompt_templates").
		Where(goqu.Ex{"name": name}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	tmpl := &entities.PromptTemplate{}
	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(&tmpl.Name, &tmpl.Content, &tmpl.Active, &tmpl.Priority)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("prompt template %s not found", name))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get prompt template", err)
	}
	return tmpl, nil
}
