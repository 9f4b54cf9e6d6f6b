package database

import (
	"context"
	"database/sql"

	"github.com/doug-martin/goqu/v9"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
	"github.com/zatekoja/hisprompt/backend/internal/domain/repositories"
	"github.com/zatekoja/hisprompt/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/hisprompt/backend/pkg/errors"
)

const encryptedDataTable = "encrypted_data_temp"

var encryptedDataColumns = []interface{}{
	"request_id", "status", "decrypted_data", "source", "created_at", "updated_at",
}

// EncryptedDataAdapter reads the execution server's temp table. It is
// handed the remote database client and never writes.
type EncryptedDataAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewEncryptedDataAdapter creates a new encrypted data adapter
func NewEncryptedDataAdapter(client *postgres.Client) repositories.EncryptedDataRepository {
	return &EncryptedDataAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// FindByRequestIDs returns the records that exist, keyed by request id
func (a *EncryptedDataAdapter) FindByRequestIDs(ctx context.Context, requestIDs []string) (map[string]*entities.EncryptedDataTemp, error) {
	found := make(map[string]*entities.EncryptedDataTemp, len(requestIDs))
	if len(requestIDs) == 0 {
		return found, nil
	}

	query, args, err := a.db.Select(encryptedDataColumns...).
		From(encryptedDataTable).
		Where(goqu.Ex{"request_id": requestIDs}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	records, err := a.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		found[record.RequestID] = record
	}
	return found, nil
}

// ListByStatus lists records in status whose request id has prefix and
// sorts after the cursor
func (a *EncryptedDataAdapter) ListByStatus(ctx context.Context, status entities.EncryptedDataStatus, prefix, after string, limit int) ([]*entities.EncryptedDataTemp, error) {
	ds := a.db.Select(encryptedDataColumns...).
		From(encryptedDataTable).
		Where(
			goqu.Ex{"status": status},
			goqu.C("request_id").Like(prefix+"%"),
		)
	return a.page(ctx, ds, after, limit)
}

// ListByPrefix lists records whose request id has prefix and sorts after
// the cursor
func (a *EncryptedDataAdapter) ListByPrefix(ctx context.Context, prefix, after string, limit int) ([]*entities.EncryptedDataTemp, error) {
	ds := a.db.Select(encryptedDataColumns...).
		From(encryptedDataTable).
		Where(goqu.C("request_id").Like(prefix + "%"))
	return a.page(ctx, ds, after, limit)
}

// page applies the request id keyset cursor. The remote table keeps rows
// forever, so callers walk it page by page rather than by age.
func (a *EncryptedDataAdapter) page(ctx context.Context, ds *goqu.SelectDataset, after string, limit int) ([]*entities.EncryptedDataTemp, error) {
	if after != "" {
		ds = ds.Where(goqu.C("request_id").Gt(after))
	}
	ds = ds.Order(goqu.C("request_id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}
	return a.query(ctx, query, args)
}

func (a *EncryptedDataAdapter) query(ctx context.Context, query string, args []interface{}) ([]*entities.EncryptedDataTemp, error) {
	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewExternalError("failed to query encrypted data", err)
	}
	defer rows.Close()

	var records []*entities.EncryptedDataTemp
	for rows.Next() {
		record, err := scanEncryptedData(rows)
		if err != nil {
			return nil, apperrors.NewExternalError("failed to scan encrypted data", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExternalError("error iterating encrypted data", err)
	}
	return records, nil
}

func scanEncryptedData(row rowScanner) (*entities.EncryptedDataTemp, error) {
	record := &entities.EncryptedDataTemp{}
	var decrypted, source sql.NullString
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&record.RequestID, &record.Status, &decrypted, &source, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	record.DecryptedData = decrypted.String
	record.Source = source.String
	record.CreatedAt = createdAt.Time
	record.UpdatedAt = updatedAt.Time
	return record, nil
}
