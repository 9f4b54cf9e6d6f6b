package database_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/hisprompt/backend/internal/adapters/database"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
	"github.com/zatekoja/hisprompt/backend/pkg/optimistic"
)

var promptRowColumns = []string{
	"id", "patient_id", "template_name", "objective_content", "daily_records",
	"template_content", "content_hash", "status_name", "submission_time",
	"priority", "version", "updated_at",
}

func newPromptAdapter(t *testing.T) (repositories.PromptRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewPromptAdapter(postgres.NewClientFromDB(db)), mock
}

func newPromptFixture() *entities.Prompt {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	content := entities.PromptContent{PatientID: "P001", TemplateName: "daily", DailyRecords: "stable"}
	return &entities.Prompt{
		PatientID:      content.PatientID,
		TemplateName:   content.TemplateName,
		DailyRecords:   content.DailyRecords,
		ContentHash:    content.Hash(),
		Status:         entities.PromptStatusPending,
		SubmissionTime: now,
		Priority:       entities.DefaultPromptPriority,
		UpdatedAt:      now,
	}
}

func promptRow(p *entities.Prompt) []driver.Value {
	return []driver.Value{
		p.ID, p.PatientID, p.TemplateName, p.ObjectiveContent, p.DailyRecords,
		p.TemplateContent, p.ContentHash, string(p.Status), p.SubmissionTime,
		p.Priority, p.Version, p.UpdatedAt,
	}
}

func TestPromptAdapter_Create(t *testing.T) {
	t.Run("inserts a new prompt", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		prompt := newPromptFixture()

		mock.ExpectQuery(`INSERT INTO "prompts" .* ON CONFLICT DO NOTHING RETURNING "id"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

		created, err := adapter.Create(context.Background(), prompt)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(11), prompt.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns the existing prompt when the hash conflicts", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		prompt := newPromptFixture()
		existing := *prompt
		existing.ID = 5
		existing.Status = entities.PromptStatusSubmitted
		existing.Version = 1

		mock.ExpectQuery(`INSERT INTO "prompts"`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT .* FROM "prompts" WHERE \("content_hash" = '` + prompt.ContentHash + `'\)`).
			WillReturnRows(sqlmock.NewRows(promptRowColumns).AddRow(promptRow(&existing)...))

		created, err := adapter.Create(context.Background(), prompt)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, int64(5), prompt.ID)
		assert.Equal(t, entities.PromptStatusSubmitted, prompt.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPromptAdapter_GetByID(t *testing.T) {
	t.Run("scans the row", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		prompt := newPromptFixture()
		prompt.ID = 3
		prompt.Version = 2

		mock.ExpectQuery(`SELECT .* FROM "prompts" WHERE \("id" = 3\)`).
			WillReturnRows(sqlmock.NewRows(promptRowColumns).AddRow(promptRow(prompt)...))

		got, err := adapter.GetByID(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, prompt.ContentHash, got.ContentHash)
		assert.Equal(t, entities.PromptStatusPending, got.Status)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("maps missing rows to not found", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		mock.ExpectQuery(`SELECT .* FROM "prompts"`).
			WillReturnRows(sqlmock.NewRows(promptRowColumns))

		_, err := adapter.GetByID(context.Background(), 99)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestPromptAdapter_CompareAndSetStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("commits when the version matches", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		mock.ExpectExec(`UPDATE "prompts" SET .*"status_name"='SUBMITTED'.*"version"=version \+ 1.* WHERE \(\("id" = 7\) AND \("version" = 0\)\)`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := adapter.CompareAndSetStatus(context.Background(), 7, 0, entities.PromptStatusSubmitted, at)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports a version conflict when no row matched", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		mock.ExpectExec(`UPDATE "prompts"`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := adapter.CompareAndSetStatus(context.Background(), 7, 0, entities.PromptStatusSubmitted, at)
		assert.True(t, errors.Is(err, optimistic.ErrVersionConflict))
	})

	t.Run("wraps driver failures as internal errors", func(t *testing.T) {
		adapter, mock := newPromptAdapter(t)
		mock.ExpectExec(`UPDATE "prompts"`).
			WillReturnError(errors.New("connection reset"))

		err := adapter.CompareAndSetStatus(context.Background(), 7, 0, entities.PromptStatusSubmitted, at)
		require.Error(t, err)
		assert.False(t, errors.Is(err, optimistic.ErrVersionConflict))
		assert.Equal(t, apperrors.ErrorTypeInternal, apperrors.TypeOf(err))
	})
}

func TestPromptAdapter_List(t *testing.T) {
	adapter, mock := newPromptAdapter(t)
	cutoff := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newPromptFixture()
	a.ID = 1
	a.Status = entities.PromptStatusSubmitted
	b := newPromptFixture()
	b.ID = 2
	b.Status = entities.PromptStatusSubmitted

	mock.ExpectQuery(`SELECT .* FROM "prompts" WHERE \(\("status_name" = 'SUBMITTED'\) AND \("updated_at" < .*\)\) ORDER BY "id" ASC LIMIT 50`).
		WillReturnRows(sqlmock.NewRows(promptRowColumns).AddRow(promptRow(a)...).AddRow(promptRow(b)...))

	prompts, err := adapter.List(context.Background(), repositories.PromptFilter{
		Status:        entities.PromptStatusSubmitted,
		UpdatedBefore: &cutoff,
		Limit:         50,
	})
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, int64(2), prompts[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromptAdapter_ListAfterCursor(t *testing.T) {
	adapter, mock := newPromptAdapter(t)
	next := newPromptFixture()
	next.ID = 42
	next.Status = entities.PromptStatusSubmitted

	mock.ExpectQuery(`SELECT .* FROM "prompts" WHERE \(\("status_name" = 'SUBMITTED'\) AND \("id" > 41\)\) ORDER BY "id" ASC LIMIT 2`).
		WillReturnRows(sqlmock.NewRows(promptRowColumns).AddRow(promptRow(next)...))

	prompts, err := adapter.List(context.Background(), repositories.PromptFilter{
		Status:  entities.PromptStatusSubmitted,
		AfterID: 41,
		Limit:   2,
	})
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, int64(42), prompts[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPromptAdapter_CountByStatus(t *testing.T) {
	adapter, mock := newPromptAdapter(t)
	mock.ExpectQuery(`SELECT "status_name", COUNT\(\*\) FROM "prompts" GROUP BY "status_name"`).
		WillReturnRows(sqlmock.NewRows([]string{"status_name", "count"}).
			AddRow("PENDING", int64(4)).
			AddRow("COMPLETED", int64(9)))

	counts, err := adapter.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[entities.PromptStatusPending])
	assert.Equal(t, int64(9), counts[entities.PromptStatusCompleted])
}

func TestPromptAdapter_RecordTransition(t *testing.T) {
	adapter, mock := newPromptAdapter(t)
	mock.ExpectExec(`INSERT INTO "prompt_transitions"`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := adapter.RecordTransition(context.Background(), &entities.PromptTransition{
		PromptID:   7,
		FromStatus: entities.PromptStatusPending,
		ToStatus:   entities.PromptStatusSubmitted,
		Version:    1,
		Actor:      "api",
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncryptedDataAdapter_FindByRequestIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	adapter := database.NewEncryptedDataAdapter(postgres.NewClientFromDB(db))

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM "encrypted_data_temp" WHERE \("request_id" IN \('AI_PROMPT_1', 'AI_PROMPT_2'\)\)`).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "status", "decrypted_data", "source", "created_at", "updated_at"}).
			AddRow("AI_PROMPT_2", "SENT", "result text", nil, now, now))

	found, err := adapter.FindByRequestIDs(context.Background(), []string{"AI_PROMPT_1", "AI_PROMPT_2"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, entities.EncryptedDataStatusSent, found["AI_PROMPT_2"].Status)
	assert.Equal(t, "result text", found["AI_PROMPT_2"].DecryptedData)
	assert.Nil(t, found["AI_PROMPT_1"])
}

func TestEncryptedDataAdapter_ListByStatus(t *testing.T) {
	columns := []string{"request_id", "status", "decrypted_data", "source", "created_at", "updated_at"}

	t.Run("first page starts at the lowest request id", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		adapter := database.NewEncryptedDataAdapter(postgres.NewClientFromDB(db))

		mock.ExpectQuery(`SELECT .* FROM "encrypted_data_temp" WHERE \(\("status" = 'SENT'\) AND \("request_id" LIKE 'AI_PROMPT_%'\)\) ORDER BY "request_id" ASC LIMIT 100`).
			WillReturnRows(sqlmock.NewRows(columns))

		records, err := adapter.ListByStatus(context.Background(), entities.EncryptedDataStatusSent, "AI_PROMPT_", "", 100)
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("later pages continue after the cursor", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		adapter := database.NewEncryptedDataAdapter(postgres.NewClientFromDB(db))

		now := time.Now()
		mock.ExpectQuery(`WHERE \(\("status" = 'SENT'\) AND \("request_id" LIKE 'AI_PROMPT_%'\) AND \("request_id" > 'AI_PROMPT_2'\)\) ORDER BY "request_id" ASC LIMIT 2`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow("AI_PROMPT_3", "SENT", "done", nil, now, now))

		records, err := adapter.ListByStatus(context.Background(), entities.EncryptedDataStatusSent, "AI_PROMPT_", "AI_PROMPT_2", 2)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "AI_PROMPT_3", records[0].RequestID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestEncryptedDataAdapter_ListByPrefix(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	adapter := database.NewEncryptedDataAdapter(postgres.NewClientFromDB(db))

	mock.ExpectQuery(`SELECT .* FROM "encrypted_data_temp" WHERE \(\("request_id" LIKE 'AI_PROMPT_%'\) AND \("request_id" > 'AI_PROMPT_7'\)\) ORDER BY "request_id" ASC LIMIT 10`).
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "status", "decrypted_data", "source", "created_at", "updated_at"}))

	records, err := adapter.ListByPrefix(context.Background(), "AI_PROMPT_", "AI_PROMPT_7", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}
