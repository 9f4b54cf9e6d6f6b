package repositories

import (
	"context"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// PatientRepository reads HIS-synced patient records.
type PatientRepository interface {
	GetByID(ctx context.Context, id string) (*entities.Patient, error)
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// PromptTemplateRepository reads prompt templates.
type PromptTemplateRepository interface {
	ListActive(ctx context.Context) ([]*entities.PromptTemplate, error)
	GetByName(ctx context.Context, name string) (*entities.PromptTemplate, error)
}
