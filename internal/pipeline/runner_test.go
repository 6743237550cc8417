package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/metrics"
	"github.com/dvloznov/txn-warehouse/internal/runlock"
	"github.com/dvloznov/txn-warehouse/internal/source"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
	"github.com/dvloznov/txn-warehouse/internal/warehouse/memory"
)

// stepClock returns a clock that advances one minute per call.
func stepClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Minute)
		return now
	}
}

func readBatch(t *testing.T, name string) *source.Batch {
	t.Helper()
	batch, err := source.Read(context.Background(), filepath.Join("testdata", name), source.Options{})
	require.NoError(t, err)
	return batch
}

func newRunner(wh warehouse.Warehouse, opts RunnerOptions) *Runner {
	if opts.Clock == nil {
		opts.Clock = stepClock(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	}
	return NewRunner(wh, NewWarehouseLoadPipeline(), opts)
}

type snapshot struct {
	staging    int
	facts      []domain.Fact
	currencies int
	methods    int
	dates      int
	customers  map[string][]domain.Version
	runs       []domain.Run
}

func snap(t *testing.T, w *memory.Warehouse) snapshot {
	t.Helper()
	ctx := context.Background()
	tx, err := w.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	mtx := tx.(*memory.Tx)

	var s snapshot
	staging, err := mtx.StagingRecords(ctx)
	require.NoError(t, err)
	s.staging = len(staging)
	s.facts, err = mtx.Facts(ctx)
	require.NoError(t, err)
	currencies, err := mtx.Currencies(ctx)
	require.NoError(t, err)
	s.currencies = len(currencies)
	methods, err := mtx.PaymentMethods(ctx)
	require.NoError(t, err)
	s.methods = len(methods)
	dates, err := mtx.DateKeys(ctx)
	require.NoError(t, err)
	s.dates = len(dates)
	s.customers = map[string][]domain.Version{}
	for _, key := range []string{"C1", "C2", "C3"} {
		s.customers[key], err = mtx.VersionHistory(ctx, domain.CustomerDimension, key)
		require.NoError(t, err)
	}
	s.runs, err = mtx.ListRuns(ctx, 0)
	require.NoError(t, err)
	return s
}

func TestRunner_LoadsFile(t *testing.T) {
	w := memory.New()
	report, err := newRunner(w, RunnerOptions{}).Run(context.Background(), readBatch(t, "day1.csv"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, report.Run.Status)
	assert.Equal(t, StageLoadFacts, report.Run.LastStage)
	assert.False(t, report.Resumed)
	assert.EqualValues(t, 4, report.Stages[StageLoadStaging]["loaded"])
	assert.EqualValues(t, 4, report.Facts.Inserted)
	assert.Zero(t, report.Facts.Unresolved)

	s := snap(t, w)
	assert.Equal(t, 4, s.staging)
	assert.Len(t, s.facts, 4)
	assert.Equal(t, 2, s.currencies)
	assert.Equal(t, 4, s.methods, "card/visa, card/<empty>, wallet/<empty>, <empty>/<empty>")
	assert.Equal(t, 2, s.dates)
	require.Len(t, s.runs, 1)
	assert.Equal(t, domain.RunSucceeded, s.runs[0].Status)
}

func TestRunner_SameFileTwiceIsIdempotent(t *testing.T) {
	w := memory.New()
	runner := newRunner(w, RunnerOptions{})

	_, err := runner.Run(context.Background(), readBatch(t, "day1.csv"))
	require.NoError(t, err)
	first := snap(t, w)

	report, err := runner.Run(context.Background(), readBatch(t, "day1.csv"))
	require.NoError(t, err)
	second := snap(t, w)

	assert.Zero(t, report.Facts.Inserted)
	assert.EqualValues(t, 4, report.Facts.Skipped)
	assert.Equal(t, first.facts, second.facts)
	assert.Equal(t, first.customers, second.customers)
	assert.Equal(t, first.currencies, second.currencies)
	assert.Equal(t, first.methods, second.methods)
	assert.Equal(t, first.dates, second.dates)
	assert.Equal(t, 4, second.staging, "staging holds one copy of the file")
	assert.Len(t, second.runs, 2)
}

func TestRunner_CustomerMovesBetweenRuns(t *testing.T) {
	w := memory.New()
	runner := newRunner(w, RunnerOptions{})

	_, err := runner.Run(context.Background(), readBatch(t, "day1.csv"))
	require.NoError(t, err)
	before := snap(t, w)
	require.Len(t, before.customers["C1"], 1)
	springfield := before.customers["C1"][0]

	report, err := runner.Run(context.Background(), readBatch(t, "day2.csv"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Stages[StageConformCustomer]["closed"])
	assert.EqualValues(t, 1, report.Stages[StageConformCustomer]["inserted"])
	assert.EqualValues(t, 1, report.Stages[StageConformCustomer]["unchanged"], "C2; C3 is not in the file")

	after := snap(t, w)
	versions := after.customers["C1"]
	require.Len(t, versions, 2)
	assert.Equal(t, "Springfield", *versions[0].Attributes[1])
	assert.False(t, versions[0].IsCurrent)
	assert.Equal(t, "Shelbyville", *versions[1].Attributes[1])
	assert.True(t, versions[1].IsCurrent)
	assert.Equal(t, *versions[0].ValidTo, versions[1].ValidFrom)
	assert.Len(t, after.customers["C2"], 1, "unchanged customer keeps one version")

	byID := map[string]domain.Fact{}
	for _, f := range after.facts {
		byID[f.TransactionID] = f
	}
	assert.Equal(t, springfield.Key, byID["T1"].CustomerKey)
	assert.Equal(t, springfield.Key, byID["T3"].CustomerKey, "re-delivered fact keeps its original version")
	assert.Equal(t, versions[1].Key, byID["T5"].CustomerKey)
	assert.Equal(t, "approved", byID["T5"].Status, "first occurrence within the file wins")
	assert.Len(t, after.facts, 6)
	assert.Equal(t, 3, after.currencies)
}

func TestRunner_BlankPaymentMethodLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.csv")
	require.NoError(t, os.WriteFile(path, []byte(
		"transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status,payment_method,card_type\n"+
			"T9,C9,M9,2024-02-01T08:00:00Z,5.00,USD,approved,,\n"), 0o600))
	w := memory.New()
	runner := newRunner(w, RunnerOptions{})

	for i, want := range []int64{1, 0} {
		batch, err := source.Read(context.Background(), path, source.Options{})
		require.NoError(t, err)
		report, err := runner.Run(context.Background(), batch)
		require.NoError(t, err)
		assert.Equal(t, want, report.Facts.Inserted, "run %d", i+1)
		assert.Zero(t, report.Facts.Unresolved, "run %d", i+1)
	}

	s := snap(t, w)
	require.Len(t, s.facts, 1)
	assert.Equal(t, "T9", s.facts[0].TransactionID)
	assert.Equal(t, 1, s.methods)
}

type faultyWarehouse struct {
	*memory.Warehouse
	insertFactsErr error
}

func (f *faultyWarehouse) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := f.Warehouse.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, insertFactsErr: f.insertFactsErr}, nil
}

type faultyTx struct {
	warehouse.Tx
	insertFactsErr error
}

func (t *faultyTx) InsertFacts(ctx context.Context, rows []domain.Fact) (int64, error) {
	if t.insertFactsErr != nil {
		return 0, t.insertFactsErr
	}
	return t.Tx.InsertFacts(ctx, rows)
}

func TestRunner_FailureKeepsCommittedStagesAndResumes(t *testing.T) {
	mem := memory.New()
	boom := errors.New("disk full")
	faulty := &faultyWarehouse{Warehouse: mem, insertFactsErr: boom}

	report, err := newRunner(faulty, RunnerOptions{Resume: true}).Run(context.Background(), readBatch(t, "day1.csv"))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pipeline step load_facts failed")
	assert.Equal(t, domain.RunFailed, report.Run.Status)

	failed := snap(t, mem)
	assert.Empty(t, failed.facts)
	assert.Len(t, failed.customers["C1"], 1, "dimension stages stayed committed")
	assert.Equal(t, 2, failed.dates)
	require.Len(t, failed.runs, 1)
	assert.Equal(t, domain.RunFailed, failed.runs[0].Status)
	assert.Equal(t, StageConformDate, failed.runs[0].LastStage)
	assert.Contains(t, failed.runs[0].Error, "disk full")

	faulty.insertFactsErr = nil
	report, err = newRunner(faulty, RunnerOptions{Resume: true}).Run(context.Background(), readBatch(t, "day1.csv"))
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, failed.runs[0].ID, report.Run.ID)
	assert.Equal(t, []string{
		StageLoadStaging, StageConformCurrency, StageConformPaymentMethod,
		StageConformCustomer, StageConformMerchant, StageConformDate,
	}, report.SkippedStages)

	resumed := snap(t, mem)
	assert.Len(t, resumed.facts, 4)
	require.Len(t, resumed.runs, 1)
	assert.Equal(t, domain.RunSucceeded, resumed.runs[0].Status)
	assert.Empty(t, resumed.runs[0].Error)
}

func TestRunner_DifferentInputDoesNotResume(t *testing.T) {
	mem := memory.New()
	faulty := &faultyWarehouse{Warehouse: mem, insertFactsErr: errors.New("disk full")}
	clock := stepClock(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	_, err := newRunner(faulty, RunnerOptions{Resume: true, Clock: clock}).Run(context.Background(), readBatch(t, "day1.csv"))
	require.Error(t, err)

	faulty.insertFactsErr = nil
	report, err := newRunner(faulty, RunnerOptions{Resume: true, Clock: clock}).Run(context.Background(), readBatch(t, "day2.csv"))
	require.NoError(t, err)
	assert.False(t, report.Resumed)
	assert.Empty(t, report.SkippedStages)
	assert.Len(t, snap(t, mem).runs, 2)
}

type busyLocker struct{}

func (busyLocker) Acquire(ctx context.Context) (runlock.Release, error) {
	return nil, runlock.ErrLocked
}

func TestRunner_LockHeldElsewhere(t *testing.T) {
	w := memory.New()
	_, err := newRunner(w, RunnerOptions{Locker: busyLocker{}}).Run(context.Background(), readBatch(t, "day1.csv"))
	require.Error(t, err)
	assert.True(t, IsLocked(err))

	s := snap(t, w)
	assert.Zero(t, s.staging)
	assert.Empty(t, s.runs)
}

func TestRunner_TracesAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m := metrics.NewRecorder()

	_, err := newRunner(memory.New(), RunnerOptions{Tracer: tp.Tracer("test"), Metrics: m}).
		Run(context.Background(), readBatch(t, "day1.csv"))
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "warehouse.load")
	for _, step := range NewWarehouseLoadPipeline().Steps() {
		assert.Contains(t, names, "stage."+step.Name())
	}

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var gathered []string
	for _, f := range families {
		gathered = append(gathered, f.GetName())
	}
	assert.Contains(t, gathered, "etl_stage_rows")
	assert.Contains(t, gathered, "etl_run_last_success_timestamp_seconds")
}

func TestRunner_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path,
		[]byte("transaction_id,customer_id,merchant_id,transaction_ts,amount,currency,status\n"), 0o600))
	batch, err := source.Read(context.Background(), path, source.Options{})
	require.NoError(t, err)

	report, err := newRunner(memory.New(), RunnerOptions{}).Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, report.Run.Status)
	assert.Zero(t, report.Facts.Inserted)
}
