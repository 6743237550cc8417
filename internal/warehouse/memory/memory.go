// Package memory is an in-process Warehouse used by tests.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// ErrTxOpen is returned by Begin while another transaction is still open.
var ErrTxOpen = errors.New("memory warehouse: a transaction is already open")

type state struct {
	staging        []domain.StagingRecord
	currencies     []domain.Currency
	paymentMethods []domain.PaymentMethod
	dates          map[int32]domain.DateRow
	versions       map[string][]domain.Version
	facts          map[string]domain.Fact
	runs           []domain.Run
	nextKey        map[string]int64
}

func newState() *state {
	return &state{
		dates:    make(map[int32]domain.DateRow),
		versions: make(map[string][]domain.Version),
		facts:    make(map[string]domain.Fact),
		nextKey:  make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := &state{
		staging:        slices.Clone(s.staging),
		currencies:     slices.Clone(s.currencies),
		paymentMethods: slices.Clone(s.paymentMethods),
		dates:          maps.Clone(s.dates),
		versions:       make(map[string][]domain.Version, len(s.versions)),
		facts:          maps.Clone(s.facts),
		runs:           slices.Clone(s.runs),
		nextKey:        maps.Clone(s.nextKey),
	}
	for table, rows := range s.versions {
		c.versions[table] = slices.Clone(rows)
	}
	return c
}

func (s *state) key(table string) int64 {
	s.nextKey[table]++
	return s.nextKey[table]
}

// Warehouse keeps committed state in memory. Transactions work on a copy that
// replaces the committed state on Commit.
type Warehouse struct {
	mu    sync.Mutex
	state *state
	open  bool
}

// New returns an empty warehouse.
func New() *Warehouse {
	return &Warehouse{state: newState()}
}

// Begin implements warehouse.Warehouse.
func (w *Warehouse) Begin(ctx context.Context) (warehouse.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.open {
		return nil, ErrTxOpen
	}
	w.open = true
	return &Tx{w: w, s: w.state.clone()}, nil
}

// EnsureSchema is a no-op; tables exist implicitly.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	return nil
}

// Close implements warehouse.Warehouse.
func (w *Warehouse) Close() error {
	return nil
}

func (w *Warehouse) finish(s *state) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s != nil {
		w.state = s
	}
	w.open = false
}

// Tx is a transaction on a Warehouse.
type Tx struct {
	w    *Warehouse
	s    *state
	done bool
}

func (t *Tx) check(ctx context.Context) error {
	if t.done {
		return warehouse.ErrTxDone
	}
	return ctx.Err()
}

// Commit publishes the transaction's writes.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.done = true
	t.w.finish(t.s)
	return nil
}

// Rollback discards the transaction's writes. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.w.finish(nil)
	return nil
}

func (t *Tx) ReplaceStaging(ctx context.Context, records []domain.StagingRecord) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	t.s.staging = slices.Clone(records)
	return int64(len(records)), nil
}

func (t *Tx) StagingRecords(ctx context.Context) ([]domain.StagingRecord, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	out := slices.Clone(t.s.staging)
	slices.SortStableFunc(out, func(a, b domain.StagingRecord) int {
		return cmp.Compare(a.SourceLine, b.SourceLine)
	})
	return out, nil
}

func (t *Tx) Currencies(ctx context.Context) ([]domain.Currency, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(t.s.currencies), nil
}

func (t *Tx) InsertCurrencies(ctx context.Context, rows []domain.Currency) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, row := range rows {
		if slices.ContainsFunc(t.s.currencies, func(c domain.Currency) bool { return c.Code == row.Code }) {
			return fmt.Errorf("%w: dim_currency code %q already exists", warehouse.ErrConstraint, row.Code)
		}
		row.Key = t.s.key("dim_currency")
		t.s.currencies = append(t.s.currencies, row)
	}
	return nil
}

func (t *Tx) PaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(t.s.paymentMethods), nil
}

func (t *Tx) InsertPaymentMethods(ctx context.Context, rows []domain.PaymentMethod) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, row := range rows {
		nk := row.NaturalKey()
		if slices.ContainsFunc(t.s.paymentMethods, func(p domain.PaymentMethod) bool { return p.NaturalKey() == nk }) {
			return fmt.Errorf("%w: dim_payment_method %v already exists", warehouse.ErrConstraint, nk)
		}
		row.Key = t.s.key("dim_payment_method")
		t.s.paymentMethods = append(t.s.paymentMethods, row)
	}
	return nil
}

func (t *Tx) DateKeys(ctx context.Context) ([]int32, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	keys := slices.Collect(maps.Keys(t.s.dates))
	slices.Sort(keys)
	return keys, nil
}

func (t *Tx) InsertDates(ctx context.Context, rows []domain.DateRow) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, row := range rows {
		if _, ok := t.s.dates[row.Key]; ok {
			return fmt.Errorf("%w: dim_date key %d already exists", warehouse.ErrConstraint, row.Key)
		}
		t.s.dates[row.Key] = row
	}
	return nil
}

// Dates returns the stored date rows ordered by key.
func (t *Tx) Dates(ctx context.Context) ([]domain.DateRow, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	rows := slices.Collect(maps.Values(t.s.dates))
	slices.SortFunc(rows, func(a, b domain.DateRow) int { return cmp.Compare(a.Key, b.Key) })
	return rows, nil
}

func (t *Tx) CurrentVersions(ctx context.Context, dim domain.Dimension) ([]domain.Version, error) {
	if err := dim.Validate(); err != nil {
		return nil, err
	}
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	var out []domain.Version
	for _, v := range t.s.versions[dim.Table] {
		if v.IsCurrent {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *Tx) VersionHistory(ctx context.Context, dim domain.Dimension, businessKey string) ([]domain.Version, error) {
	if err := dim.Validate(); err != nil {
		return nil, err
	}
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	var out []domain.Version
	for _, v := range t.s.versions[dim.Table] {
		if v.BusinessKey == businessKey {
			out = append(out, v)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Version) int { return a.ValidFrom.Compare(b.ValidFrom) })
	return out, nil
}

func (t *Tx) CloseVersions(ctx context.Context, dim domain.Dimension, businessKeys []string, at time.Time) (int64, error) {
	if err := dim.Validate(); err != nil {
		return 0, err
	}
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	var closed int64
	rows := t.s.versions[dim.Table]
	for i := range rows {
		if rows[i].IsCurrent && slices.Contains(businessKeys, rows[i].BusinessKey) {
			validTo := at
			rows[i].ValidTo = &validTo
			rows[i].IsCurrent = false
			closed++
		}
	}
	return closed, nil
}

func (t *Tx) InsertVersions(ctx context.Context, dim domain.Dimension, rows []domain.Version) error {
	if err := dim.Validate(); err != nil {
		return err
	}
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, row := range rows {
		if len(row.Attributes) != len(dim.Attributes) {
			return fmt.Errorf("memory: %s row for %q has %d attributes, want %d",
				dim.Table, row.BusinessKey, len(row.Attributes), len(dim.Attributes))
		}
		if row.IsCurrent && slices.ContainsFunc(t.s.versions[dim.Table], func(v domain.Version) bool {
			return v.IsCurrent && v.BusinessKey == row.BusinessKey
		}) {
			return fmt.Errorf("%w: %s already has a current row for %q", warehouse.ErrConstraint, dim.Table, row.BusinessKey)
		}
		row.Key = t.s.key(dim.Table)
		row.Attributes = slices.Clone(row.Attributes)
		t.s.versions[dim.Table] = append(t.s.versions[dim.Table], row)
	}
	return nil
}

func (t *Tx) InsertFacts(ctx context.Context, rows []domain.Fact) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	var inserted int64
	for _, row := range rows {
		if _, ok := t.s.facts[row.TransactionID]; ok {
			continue
		}
		t.s.facts[row.TransactionID] = row
		inserted++
	}
	return inserted, nil
}

func (t *Tx) CountFacts(ctx context.Context) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return int64(len(t.s.facts)), nil
}

// Facts returns the fact rows ordered by transaction id.
func (t *Tx) Facts(ctx context.Context) ([]domain.Fact, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	rows := slices.Collect(maps.Values(t.s.facts))
	slices.SortFunc(rows, func(a, b domain.Fact) int { return cmp.Compare(a.TransactionID, b.TransactionID) })
	return rows, nil
}

func (t *Tx) SaveRun(ctx context.Context, run domain.Run) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for i := range t.s.runs {
		if t.s.runs[i].ID == run.ID {
			t.s.runs[i] = run
			return nil
		}
	}
	t.s.runs = append(t.s.runs, run)
	return nil
}

func (t *Tx) LatestRun(ctx context.Context) (*domain.Run, error) {
	runs, err := t.ListRuns(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (t *Tx) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	runs := slices.Clone(t.s.runs)
	// Newest first; insertion order breaks ties between equal start times.
	slices.Reverse(runs)
	slices.SortStableFunc(runs, func(a, b domain.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

var _ warehouse.Warehouse = (*Warehouse)(nil)
var _ warehouse.Tx = (*Tx)(nil)
