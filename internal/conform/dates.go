package conform

import (
	"context"
	"fmt"
	"slices"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// ConformDates inserts a dim_date row for every staging calendar date not yet present.
func ConformDates(ctx context.Context, tx warehouse.Tx) (int, error) {
	records, err := tx.StagingRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("ConformDates: reading staging: %w", err)
	}
	keys, err := tx.DateKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("ConformDates: reading dim_date: %w", err)
	}

	known := make(map[int32]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}

	var missing []domain.DateRow
	for _, r := range records {
		row := domain.NewDateRow(domain.DateOf(r.TransactionTS))
		if known[row.Key] {
			continue
		}
		known[row.Key] = true
		missing = append(missing, row)
	}
	slices.SortFunc(missing, func(a, b domain.DateRow) int { return int(a.Key - b.Key) })

	if len(missing) > 0 {
		if err := tx.InsertDates(ctx, missing); err != nil {
			return 0, fmt.Errorf("ConformDates: inserting dates: %w", err)
		}
	}

	log := logger.FromContext(ctx)
	log.Info().Int("inserted", len(missing)).Msg("Dates conformed")
	return len(missing), nil
}
