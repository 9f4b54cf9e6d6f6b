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

// PatientAdapter reads HIS-synced patients from Postgres.
type PatientAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewPatientAdapter creates a new patient adapter
func NewPatientAdapter(client *postgres.Client) repositories.PatientRepository {
	return &PatientAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// GetByID retrieves a patient by ID
func (a *PatientAdapter) GetByID(ctx context.Context, id string) (*entities.Patient, error) {
	query, args, err := a.db.Select(
		"patient_id", "name", "department", "bed_number", "admission_date",
		"objective_content", "daily_records", "active",
	).From("patients").
		Where(goqu.Ex{"patient_id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	patient := &entities.Patient{}
	var department, bedNumber, objective, daily sql.NullString
	var admission sql.NullTime

	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(
		&patient.ID,
		&patient.Name,
		&department,
		&bedNumber,
		&admission,
		&objective,
		&daily,
		&patient.Active,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get patient", err)
	}

	patient.Department = department.String
	patient.BedNumber = bedNumber.String
	patient.AdmissionDate = admission.Time
	patient.ObjectiveContent = objective.String
	patient.DailyRecords = daily.String
	return patient, nil
}

// ListActiveIDs lists the ids of patients currently admitted
func (a *PatientAdapter) ListActiveIDs(ctx context.Context) ([]string, error) {
	query, args, err := a.db.Select("patient_id").
		From("patients").
		Where(goqu.Ex{"active": true}).
		Order(goqu.C("patient_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list patients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewInternalError("failed to scan patient id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("error iterating patients", err)
	}
	return ids, nil
}
