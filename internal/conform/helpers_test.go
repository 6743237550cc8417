package conform

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
	"github.com/dvloznov/txn-warehouse/internal/warehouse/memory"
)

var day1 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func record(line int, txnID, customer, merchant string, ts time.Time) domain.StagingRecord {
	return domain.StagingRecord{
		SourceLine:    line,
		TransactionID: txnID,
		CustomerID:    customer,
		MerchantID:    merchant,
		TransactionTS: ts,
		Amount:        decimal.RequireFromString("10.00"),
		Currency:      "USD",
		Status:        "approved",
		Country:       domain.StringPtr("US"),
		City:          domain.StringPtr("Springfield"),
		PaymentMethod: domain.StringPtr("card"),
		CardType:      domain.StringPtr("visa"),
		Category:      domain.StringPtr("grocery"),
	}
}

// inTx runs fn in a transaction on w and commits it.
func inTx(t *testing.T, w *memory.Warehouse, fn func(tx warehouse.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

func stage(t *testing.T, w *memory.Warehouse, records ...domain.StagingRecord) {
	t.Helper()
	inTx(t, w, func(tx warehouse.Tx) {
		_, err := LoadStaging(context.Background(), tx, records)
		require.NoError(t, err)
	})
}

// conformAll runs every dimension stage as one committed transaction.
func conformAll(t *testing.T, w *memory.Warehouse, runTS time.Time) {
	t.Helper()
	ctx := context.Background()
	inTx(t, w, func(tx warehouse.Tx) {
		_, err := ConformCurrencies(ctx, tx)
		require.NoError(t, err)
		_, err = ConformPaymentMethods(ctx, tx)
		require.NoError(t, err)
		for _, dim := range domain.Dimensions() {
			_, err = ConformVersions(ctx, tx, dim, runTS)
			require.NoError(t, err)
		}
		_, err = ConformDates(ctx, tx)
		require.NoError(t, err)
	})
}

// failingTx fails the test on any storage call.
type failingTx struct {
	warehouse.Tx
	t *testing.T
}

func (f failingTx) StagingRecords(ctx context.Context) ([]domain.StagingRecord, error) {
	f.t.Fatal("unexpected StagingRecords call")
	return nil, nil
}

func (f failingTx) CurrentVersions(ctx context.Context, dim domain.Dimension) ([]domain.Version, error) {
	f.t.Fatal("unexpected CurrentVersions call")
	return nil, nil
}

// stubTx overrides selected reads of an underlying transaction.
type stubTx struct {
	warehouse.Tx
	currentVersionsFunc func(ctx context.Context, dim domain.Dimension) ([]domain.Version, error)
}

func (s stubTx) CurrentVersions(ctx context.Context, dim domain.Dimension) ([]domain.Version, error) {
	if s.currentVersionsFunc != nil {
		return s.currentVersionsFunc(ctx, dim)
	}
	return s.Tx.CurrentVersions(ctx, dim)
}
