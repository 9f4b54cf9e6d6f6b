package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

// PromptRepository defines the interface for prompt persistence.
type PromptRepository interface {
	// Create inserts a PENDING prompt. created is false when a prompt with
	// the same content hash already exists; prompt.ID is set either way.
	Create(ctx context.Context, prompt *entities.Prompt) (created bool, err error)

	// GetByID retrieves a prompt by ID
	GetByID(ctx context.Context, id int64) (*entities.Prompt, error)

	// GetByIDs retrieves the prompts that exist among ids
	GetByIDs(ctx context.Context, ids []int64) ([]*entities.Prompt, error)

	// FindByContentHash returns nil, nil when no prompt has the hash
	FindByContentHash(ctx context.Context, hash string) (*entities.Prompt, error)

	// CompareAndSetStatus moves a prompt to status only if its stored
	// version still equals expectedVersion. A stale version yields
	// optimistic.ErrVersionConflict.
	CompareAndSetStatus(ctx context.Context, id, expectedVersion int64, status entities.PromptStatus, at time.Time) error

	// List retrieves prompts matching filter in ascending id order
	List(ctx context.Context, filter PromptFilter) ([]*entities.Prompt, error)

	// CountByStatus returns prompt counts keyed by status
	CountByStatus(ctx context.Context) (map[entities.PromptStatus]int64, error)

	// RecordTransition appends an audit row
	RecordTransition(ctx context.Context, transition *entities.PromptTransition) error

	// ListTransitions returns the audit trail of one prompt
	ListTransitions(ctx context.Context, promptID int64) ([]*entities.PromptTransition, error)
}

// PromptFilter defines filters for listing prompts
type PromptFilter struct {
	Status        entities.PromptStatus
	UpdatedBefore *time.Time
	AfterID       int64 // keyset cursor; only larger ids are listed
	Limit         int
	Offset        int
}

// EncryptedDataRepository reads the execution server's temp table.
type EncryptedDataRepository interface {
	// FindByRequestIDs returns the records that exist, keyed by request id
	FindByRequestIDs(ctx context.Context, requestIDs []string) (map[string]*entities.EncryptedDataTemp, error)

	// ListByStatus lists records in status whose request id has prefix and
	// sorts after the cursor, in request id order. An empty after starts
	// from the first record.
	ListByStatus(ctx context.Context, status entities.EncryptedDataStatus, prefix, after string, limit int) ([]*entities.EncryptedDataTemp, error)

	// ListByPrefix lists records whose request id has prefix and sorts
	// after the cursor, in request id order.
	ListByPrefix(ctx context.Context, prefix, after string, limit int) ([]*entities.EncryptedDataTemp, error)
}
