// Package warehouse defines the storage collaborator the loader stages run against.
package warehouse

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

var (
	// ErrConstraint wraps an integrity violation reported by the store.
	ErrConstraint = errors.New("warehouse constraint violation")

	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("warehouse transaction already finished")
)

// Warehouse opens transactions against one connection or session.
type Warehouse interface {
	// Begin starts a transaction. Only one transaction is open at a time.
	Begin(ctx context.Context) (Tx, error)

	// EnsureSchema creates the staging, dimension, fact and ledger tables if absent.
	EnsureSchema(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Tx is the unit every stage commits. Reads observe the transaction's own writes.
type Tx interface {
	StagingStore
	ReferenceStore
	VersionStore
	FactStore
	RunStore

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// StagingStore holds the raw batch.
type StagingStore interface {
	// ReplaceStaging truncates staging and bulk-inserts records, returning the row count.
	ReplaceStaging(ctx context.Context, records []domain.StagingRecord) (int64, error)

	// StagingRecords returns the staged batch ordered by source line.
	StagingRecords(ctx context.Context) ([]domain.StagingRecord, error)
}

// ReferenceStore holds the append-only dimensions.
type ReferenceStore interface {
	Currencies(ctx context.Context) ([]domain.Currency, error)
	InsertCurrencies(ctx context.Context, rows []domain.Currency) error

	PaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
	InsertPaymentMethods(ctx context.Context, rows []domain.PaymentMethod) error

	DateKeys(ctx context.Context) ([]int32, error)
	InsertDates(ctx context.Context, rows []domain.DateRow) error
}

// VersionStore holds the type-2 dimensions. Every method rejects a dimension that
// fails Dimension.Validate before issuing any statement.
type VersionStore interface {
	// CurrentVersions returns the rows flagged current.
	CurrentVersions(ctx context.Context, dim domain.Dimension) ([]domain.Version, error)

	// VersionHistory returns every version of businessKey ordered by valid_from.
	VersionHistory(ctx context.Context, dim domain.Dimension, businessKey string) ([]domain.Version, error)

	// CloseVersions ends the current version of each business key at the given time
	// and returns the number of rows closed.
	CloseVersions(ctx context.Context, dim domain.Dimension, businessKeys []string, at time.Time) (int64, error)

	// InsertVersions appends versions, assigning surrogate keys.
	InsertVersions(ctx context.Context, dim domain.Dimension, rows []domain.Version) error
}

// FactStore holds the fact table.
type FactStore interface {
	// InsertFacts inserts rows whose transaction id is not present yet and returns
	// how many were inserted. Existing ids are skipped silently.
	InsertFacts(ctx context.Context, rows []domain.Fact) (int64, error)

	// CountFacts returns the number of fact rows.
	CountFacts(ctx context.Context) (int64, error)
}

// RunStore holds the run ledger.
type RunStore interface {
	// SaveRun inserts or replaces the ledger row with run.ID.
	SaveRun(ctx context.Context, run domain.Run) error

	// LatestRun returns the most recently started run, or nil if there is none.
	LatestRun(ctx context.Context) (*domain.Run, error)

	// ListRuns returns up to limit runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}
