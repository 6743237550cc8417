package conform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
	"github.com/dvloznov/txn-warehouse/internal/warehouse/memory"
)

func history(t *testing.T, w *memory.Warehouse, dim domain.Dimension, key string) []domain.Version {
	t.Helper()
	var out []domain.Version
	inTx(t, w, func(tx warehouse.Tx) {
		var err error
		out, err = tx.VersionHistory(context.Background(), dim, key)
		require.NoError(t, err)
	})
	return out
}

func conformCustomers(t *testing.T, w *memory.Warehouse, runTS time.Time) SCD2Result {
	t.Helper()
	var result SCD2Result
	inTx(t, w, func(tx warehouse.Tx) {
		var err error
		result, err = ConformVersions(context.Background(), tx, domain.CustomerDimension, runTS)
		require.NoError(t, err)
	})
	return result
}

func TestConformVersions_ChangeClosesAndOpens(t *testing.T) {
	w := memory.New()
	run1 := day1.Add(time.Hour)
	run2 := run1.Add(24 * time.Hour)

	stage(t, w, record(1, "T1", "C1", "M1", day1))
	result := conformCustomers(t, w, run1)
	assert.Equal(t, SCD2Result{Inserted: 1}, result)

	moved := record(1, "T2", "C1", "M1", day1.Add(24*time.Hour))
	moved.City = domain.StringPtr("Shelbyville")
	stage(t, w, moved)
	result = conformCustomers(t, w, run2)
	assert.Equal(t, SCD2Result{Inserted: 1, Closed: 1}, result)

	versions := history(t, w, domain.CustomerDimension, "C1")
	require.Len(t, versions, 2)

	old, cur := versions[0], versions[1]
	assert.Equal(t, "Springfield", *old.Attributes[1])
	assert.False(t, old.IsCurrent)
	require.NotNil(t, old.ValidTo)
	assert.Equal(t, run2, *old.ValidTo)

	assert.Equal(t, "Shelbyville", *cur.Attributes[1])
	assert.True(t, cur.IsCurrent)
	assert.Nil(t, cur.ValidTo)
	assert.Equal(t, *old.ValidTo, cur.ValidFrom, "intervals are contiguous")
	assert.NotEqual(t, old.Key, cur.Key)
}

func TestConformVersions_UnchangedIsIdempotent(t *testing.T) {
	w := memory.New()
	stage(t, w, record(1, "T1", "C1", "M1", day1), record(2, "T2", "C2", "M1", day1))

	assert.Equal(t, SCD2Result{Inserted: 2}, conformCustomers(t, w, day1.Add(time.Hour)))
	assert.Equal(t, SCD2Result{Unchanged: 2}, conformCustomers(t, w, day1.Add(2*time.Hour)))
	assert.Len(t, history(t, w, domain.CustomerDimension, "C1"), 1)
}

func TestConformVersions_AbsentVersusValue(t *testing.T) {
	w := memory.New()
	stage(t, w, record(1, "T1", "C1", "M1", day1))
	conformCustomers(t, w, day1.Add(time.Hour))

	noCity := record(1, "T2", "C1", "M1", day1)
	noCity.City = nil
	stage(t, w, noCity)
	assert.Equal(t, SCD2Result{Inserted: 1, Closed: 1}, conformCustomers(t, w, day1.Add(2*time.Hour)))

	stage(t, w, noCity)
	assert.Equal(t, SCD2Result{Unchanged: 1}, conformCustomers(t, w, day1.Add(3*time.Hour)),
		"absent equals absent")
}

func TestConformVersions_LatestTupleWinsWithinBatch(t *testing.T) {
	w := memory.New()

	later := record(1, "T9", "C1", "M1", day1.Add(time.Hour))
	later.City = domain.StringPtr("Shelbyville")
	earlier := record(2, "T1", "C1", "M1", day1)
	stage(t, w, later, earlier)

	assert.Equal(t, SCD2Result{Inserted: 1}, conformCustomers(t, w, day1.Add(2*time.Hour)))
	versions := history(t, w, domain.CustomerDimension, "C1")
	require.Len(t, versions, 1)
	assert.Equal(t, "Shelbyville", *versions[0].Attributes[1])
}

func TestConformVersions_SingleCurrentAndNonOverlapping(t *testing.T) {
	w := memory.New()
	cities := []string{"Springfield", "Shelbyville", "Ogdenville", "Springfield"}
	runTS := day1
	for i, city := range cities {
		r := record(1, "T1", "C1", "M1", day1)
		r.City = domain.StringPtr(city)
		stage(t, w, r)
		runTS = runTS.Add(time.Duration(i+1) * time.Hour)
		conformCustomers(t, w, runTS)
	}

	versions := history(t, w, domain.CustomerDimension, "C1")
	require.Len(t, versions, len(cities))

	current := 0
	for i, v := range versions {
		if v.IsCurrent {
			current++
			assert.Nil(t, v.ValidTo)
			continue
		}
		require.NotNil(t, v.ValidTo)
		assert.True(t, v.ValidTo.After(v.ValidFrom), "no zero-length interval")
		assert.Equal(t, *v.ValidTo, versions[i+1].ValidFrom)
	}
	assert.Equal(t, 1, current)
}

func TestConformVersions_Merchant(t *testing.T) {
	ctx := context.Background()
	w := memory.New()
	stage(t, w, record(1, "T1", "C1", "M1", day1))

	recategorised := record(1, "T2", "C1", "M1", day1)
	recategorised.Category = domain.StringPtr("pharmacy")

	inTx(t, w, func(tx warehouse.Tx) {
		result, err := ConformVersions(ctx, tx, domain.MerchantDimension, day1.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, result.Inserted)
	})
	stage(t, w, recategorised)
	inTx(t, w, func(tx warehouse.Tx) {
		result, err := ConformVersions(ctx, tx, domain.MerchantDimension, day1.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, SCD2Result{Inserted: 1, Closed: 1}, result)
	})

	versions := history(t, w, domain.MerchantDimension, "M1")
	require.Len(t, versions, 2)
	assert.Equal(t, []string{"pharmacy", "US", "Springfield"}, derefAll(versions[1].Attributes))
}

func TestConformVersions_UnsupportedDimension(t *testing.T) {
	tests := []struct {
		name string
		dim  domain.Dimension
	}{
		{name: "unknown table", dim: domain.Dimension{Name: "account", Table: "dim_account"}},
		{
			name: "tampered column",
			dim: func() domain.Dimension {
				d := domain.CustomerDimension
				d.BusinessKey = "customer_bk; DROP TABLE dwh.fact_transactions"
				return d
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConformVersions(context.Background(), failingTx{t: t}, tt.dim, day1)
			require.ErrorIs(t, err, domain.ErrUnsupportedDimension)
		})
	}
}

func TestConformVersions_DuplicateCurrentRows(t *testing.T) {
	ctx := context.Background()
	w := memory.New()
	stage(t, w, record(1, "T1", "C1", "M1", day1))

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	broken := stubTx{
		Tx: tx,
		currentVersionsFunc: func(ctx context.Context, dim domain.Dimension) ([]domain.Version, error) {
			return []domain.Version{
				{Key: 1, BusinessKey: "C1", IsCurrent: true, Attributes: []*string{nil, nil}},
				{Key: 2, BusinessKey: "C1", IsCurrent: true, Attributes: []*string{nil, nil}},
			}, nil
		},
	}
	_, err = ConformVersions(ctx, broken, domain.CustomerDimension, day1)
	require.ErrorIs(t, err, ErrInvariant)
}

func TestConformVersions_RunTimestampNotAfterCurrent(t *testing.T) {
	ctx := context.Background()
	w := memory.New()
	stage(t, w, record(1, "T1", "C1", "M1", day1))
	conformCustomers(t, w, day1)

	moved := record(1, "T2", "C1", "M1", day1)
	moved.City = domain.StringPtr("Shelbyville")
	stage(t, w, moved)

	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	_, err = ConformVersions(ctx, tx, domain.CustomerDimension, day1)
	require.ErrorIs(t, err, ErrInvariant)
}

func derefAll(values []*string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = domain.Coalesce(v)
	}
	return out
}
