// Package conform loads staging and conforms the warehouse dimensions and facts from it.
// Every function works inside the caller's transaction and never commits.
package conform

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// ErrInvariant reports warehouse contents that break a dimension invariant.
var ErrInvariant = errors.New("dimension invariant violated")

// LoadStaging replaces the staging table with records.
func LoadStaging(ctx context.Context, tx warehouse.StagingStore, records []domain.StagingRecord) (int64, error) {
	n, err := tx.ReplaceStaging(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("LoadStaging: replacing staging rows: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Int64("rows", n).Msg("Staging loaded")
	return n, nil
}
