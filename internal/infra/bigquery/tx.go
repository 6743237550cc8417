package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// Tx is one BEGIN TRANSACTION ... COMMIT block in the warehouse session.
type Tx struct {
	w    *Warehouse
	done bool
}

func (t *Tx) query(sql string, params ...bigquery.QueryParameter) *bigquery.Query {
	q := t.w.client.Query(sql)
	q.Location = t.w.location
	q.Parameters = params
	q.ConnectionProperties = []*bigquery.ConnectionProperty{
		{Key: "session_id", Value: t.w.sessionID},
	}
	return q
}

func (t *Tx) check() error {
	if t.done {
		return warehouse.ErrTxDone
	}
	return nil
}

// exec runs a DML statement and returns the affected row count.
func (t *Tx) exec(ctx context.Context, sql string, params ...bigquery.QueryParameter) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	status, err := runJob(ctx, t.query(sql, params...))
	if err != nil {
		return 0, err
	}
	return affectedRows(status), nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true
	if _, err := runJob(ctx, t.query("COMMIT TRANSACTION")); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if _, err := runJob(ctx, t.query("ROLLBACK TRANSACTION")); err != nil {
		return fmt.Errorf("Rollback: %w", err)
	}
	return nil
}

func (t *Tx) ReplaceStaging(ctx context.Context, records []domain.StagingRecord) (int64, error) {
	if _, err := t.exec(ctx, t.w.tables.clearStagingSQL()); err != nil {
		return 0, fmt.Errorf("ReplaceStaging: clearing staging: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([]StagingRow, len(records))
	for i, r := range records {
		rows[i] = newStagingRow(r)
	}
	n, err := t.exec(ctx, t.w.tables.insertStagingSQL(), bigquery.QueryParameter{Name: "rows", Value: rows})
	if err != nil {
		return 0, fmt.Errorf("ReplaceStaging: inserting rows: %w", err)
	}
	return n, nil
}

func (t *Tx) StagingRecords(ctx context.Context) ([]domain.StagingRecord, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := readAll[StagingRow](ctx, t.query(t.w.tables.selectStagingSQL()))
	if err != nil {
		return nil, fmt.Errorf("StagingRecords: %w", err)
	}
	out := make([]domain.StagingRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, fmt.Errorf("StagingRecords: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *Tx) Currencies(ctx context.Context) ([]domain.Currency, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := readAll[CurrencyRow](ctx, t.query(t.w.tables.selectCurrenciesSQL()))
	if err != nil {
		return nil, fmt.Errorf("Currencies: %w", err)
	}
	out := make([]domain.Currency, len(rows))
	for i, r := range rows {
		out[i] = r.currency()
	}
	return out, nil
}

func (t *Tx) InsertCurrencies(ctx context.Context, rows []domain.Currency) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	codes := make([]string, len(rows))
	params := make([]CurrencyRow, len(rows))
	for i, c := range rows {
		codes[i] = c.Code
		params[i] = newCurrencyRow(c)
	}
	if err := t.requireAbsent(ctx, "InsertCurrencies", "currency code", codes,
		t.w.tables.countCurrencyCodesSQL(), bigquery.QueryParameter{Name: "codes", Value: codes}); err != nil {
		return err
	}
	if _, err := t.exec(ctx, t.w.tables.insertCurrenciesSQL(), bigquery.QueryParameter{Name: "rows", Value: params}); err != nil {
		return fmt.Errorf("InsertCurrencies: %w", err)
	}
	return nil
}

func (t *Tx) PaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := readAll[PaymentMethodRow](ctx, t.query(t.w.tables.selectPaymentMethodsSQL()))
	if err != nil {
		return nil, fmt.Errorf("PaymentMethods: %w", err)
	}
	out := make([]domain.PaymentMethod, len(rows))
	for i, r := range rows {
		out[i] = domain.PaymentMethod{Key: r.PaymentMethodSK, MethodCode: r.MethodCode, CardType: stringPtr(r.CardType)}
	}
	return out, nil
}

func (t *Tx) InsertPaymentMethods(ctx context.Context, rows []domain.PaymentMethod) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	keys := make([]PaymentMethodKeyRow, len(rows))
	names := make([]string, len(rows))
	params := make([]PaymentMethodRow, len(rows))
	for i, p := range rows {
		nk := p.NaturalKey()
		keys[i] = PaymentMethodKeyRow{MethodCode: nk.MethodCode, CardType: nk.CardType}
		names[i] = nk.MethodCode + "/" + nk.CardType
		params[i] = PaymentMethodRow{MethodCode: p.MethodCode, CardType: nullString(p.CardType)}
	}
	if err := t.requireAbsent(ctx, "InsertPaymentMethods", "payment method", names,
		t.w.tables.countPaymentMethodKeysSQL(), bigquery.QueryParameter{Name: "keys", Value: keys}); err != nil {
		return err
	}
	if _, err := t.exec(ctx, t.w.tables.insertPaymentMethodsSQL(), bigquery.QueryParameter{Name: "rows", Value: params}); err != nil {
		return fmt.Errorf("InsertPaymentMethods: %w", err)
	}
	return nil
}

func (t *Tx) DateKeys(ctx context.Context) ([]int32, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := readAll[[]bigquery.Value](ctx, t.query(t.w.tables.selectDateKeysSQL()))
	if err != nil {
		return nil, fmt.Errorf("DateKeys: %w", err)
	}
	keys := make([]int32, len(rows))
	for i, r := range rows {
		k, ok := r[0].(int64)
		if !ok {
			return nil, fmt.Errorf("DateKeys: unexpected key %T", r[0])
		}
		keys[i] = int32(k)
	}
	return keys, nil
}

func (t *Tx) InsertDates(ctx context.Context, rows []domain.DateRow) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	keys := make([]int64, len(rows))
	names := make([]string, len(rows))
	params := make([]DateRow, len(rows))
	for i, d := range rows {
		keys[i] = int64(d.Key)
		names[i] = fmt.Sprint(d.Key)
		params[i] = newDateRow(d)
	}
	if err := t.requireAbsent(ctx, "InsertDates", "date key", names,
		t.w.tables.countDateKeysSQL(), bigquery.QueryParameter{Name: "keys", Value: keys}); err != nil {
		return err
	}
	if _, err := t.exec(ctx, t.w.tables.insertDatesSQL(), bigquery.QueryParameter{Name: "rows", Value: params}); err != nil {
		return fmt.Errorf("InsertDates: %w", err)
	}
	return nil
}

// requireAbsent fails with warehouse.ErrConstraint when names repeats a value or
// countSQL finds any of them already stored.
func (t *Tx) requireAbsent(ctx context.Context, op, what string, names []string, countSQL string, param bigquery.QueryParameter) error {
	if dup, ok := firstDuplicate(names); ok {
		return fmt.Errorf("%s: %w: %s %q repeated in batch", op, warehouse.ErrConstraint, what, dup)
	}
	n, err := readCount(ctx, t.query(countSQL, param))
	if err != nil {
		return fmt.Errorf("%s: checking existing rows: %w", op, err)
	}
	if n > 0 {
		return fmt.Errorf("%s: %w: %d %s value(s) already present", op, warehouse.ErrConstraint, n, what)
	}
	return nil
}

func firstDuplicate(values []string) (string, bool) {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return v, true
		}
		seen[v] = struct{}{}
	}
	return "", false
}

func (t *Tx) InsertFacts(ctx context.Context, rows []domain.Fact) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(rows))
	params := make([]FactRow, 0, len(rows))
	for _, f := range rows {
		if _, ok := seen[f.TransactionID]; ok {
			continue
		}
		seen[f.TransactionID] = struct{}{}
		params = append(params, newFactRow(f))
	}
	if len(params) == 0 {
		return 0, nil
	}
	n, err := t.exec(ctx, t.w.tables.mergeFactsSQL(), bigquery.QueryParameter{Name: "rows", Value: params})
	if err != nil {
		return 0, fmt.Errorf("InsertFacts: %w", err)
	}
	return n, nil
}

func (t *Tx) CountFacts(ctx context.Context) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	n, err := readCount(ctx, t.query(t.w.tables.countFactsSQL()))
	if err != nil {
		return 0, fmt.Errorf("CountFacts: %w", err)
	}
	return n, nil
}

func (t *Tx) SaveRun(ctx context.Context, run domain.Run) error {
	if _, err := t.exec(ctx, t.w.tables.mergeRunSQL(), bigquery.QueryParameter{Name: "run", Value: newRunRow(run)}); err != nil {
		return fmt.Errorf("SaveRun: %w", err)
	}
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
	if err := t.check(); err != nil {
		return nil, err
	}
	rows, err := readAll[RunRow](ctx, t.query(t.w.tables.selectRunsSQL(limit)))
	if err != nil {
		return nil, fmt.Errorf("ListRuns: %w", err)
	}
	out := make([]domain.Run, len(rows))
	for i, r := range rows {
		out[i] = r.run()
	}
	return out, nil
}

var _ warehouse.Tx = (*Tx)(nil)
