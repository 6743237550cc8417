package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

var (
	stagingTable = pgx.Identifier{"staging", "transactions_raw"}
	factTable    = pgx.Identifier{"dwh", "fact_transactions"}
)

var stagingColumns = []string{
	"source_line", "transaction_id", "customer_id", "merchant_id", "transaction_ts", "amount",
	"currency", "status", "country", "city", "payment_method", "card_type", "category",
}

// Warehouse runs every transaction on one connection, which also carries the
// session-level run lock.
type Warehouse struct {
	conn *pgx.Conn
}

// Open connects to dsn.
func Open(ctx context.Context, dsn string) (*Warehouse, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.Open: connecting: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("postgres.Open: ping: %w", err)
	}
	return &Warehouse{conn: conn}, nil
}

// New wraps an existing connection.
func New(conn *pgx.Conn) *Warehouse {
	return &Warehouse{conn: conn}
}

// Conn returns the underlying connection.
func (w *Warehouse) Conn() *pgx.Conn {
	return w.conn
}

func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	if _, err := w.conn.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("EnsureSchema: %w", err)
	}
	return nil
}

func (w *Warehouse) Begin(ctx context.Context) (warehouse.Tx, error) {
	tx, err := w.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres.Begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (w *Warehouse) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.conn.Close(ctx)
}

// Tx is a warehouse transaction on a pgx.Tx.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
		return decimal.Zero, errors.New("non-finite numeric value")
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

func (t *Tx) ReplaceStaging(ctx context.Context, records []domain.StagingRecord) (int64, error) {
	if _, err := t.tx.Exec(ctx, "TRUNCATE TABLE "+stagingTable.Sanitize()); err != nil {
		return 0, fmt.Errorf("ReplaceStaging: truncating: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			int32(r.SourceLine), r.TransactionID, r.CustomerID, r.MerchantID, r.TransactionTS, numeric(r.Amount),
			r.Currency, r.Status, r.Country, r.City, r.PaymentMethod, r.CardType, r.Category,
		}
	}
	n, err := t.tx.CopyFrom(ctx, stagingTable, stagingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("ReplaceStaging: copying rows: %w", mapError(err))
	}
	return n, nil
}

func (t *Tx) StagingRecords(ctx context.Context) ([]domain.StagingRecord, error) {
	rows, err := t.tx.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY source_line", strings.Join(stagingColumns, ", "), stagingTable.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("StagingRecords: querying: %w", err)
	}
	defer rows.Close()

	var out []domain.StagingRecord
	for rows.Next() {
		var (
			r      domain.StagingRecord
			line   int32
			amount pgtype.Numeric
		)
		if err := rows.Scan(&line, &r.TransactionID, &r.CustomerID, &r.MerchantID, &r.TransactionTS, &amount,
			&r.Currency, &r.Status, &r.Country, &r.City, &r.PaymentMethod, &r.CardType, &r.Category); err != nil {
			return nil, fmt.Errorf("StagingRecords: scanning: %w", err)
		}
		r.SourceLine = int(line)
		r.TransactionTS = r.TransactionTS.UTC()
		if r.Amount, err = fromNumeric(amount); err != nil {
			return nil, fmt.Errorf("StagingRecords: line %d amount: %w", line, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("StagingRecords: iterating: %w", err)
	}
	return out, nil
}

func (t *Tx) Currencies(ctx context.Context) ([]domain.Currency, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT currency_sk, currency_code, symbol, fraction_digits FROM dwh.dim_currency ORDER BY currency_sk`)
	if err != nil {
		return nil, fmt.Errorf("Currencies: querying: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Currency, error) {
		var c domain.Currency
		err := row.Scan(&c.Key, &c.Code, &c.Symbol, &c.FractionDigits)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("Currencies: scanning: %w", err)
	}
	return out, nil
}

func (t *Tx) InsertCurrencies(ctx context.Context, rows []domain.Currency) error {
	src := make([][]any, len(rows))
	for i, c := range rows {
		src[i] = []any{c.Code, c.Symbol, c.FractionDigits}
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"dwh", "dim_currency"},
		[]string{"currency_code", "symbol", "fraction_digits"}, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("InsertCurrencies: %w", mapError(err))
	}
	return nil
}

func (t *Tx) PaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT payment_method_sk, method_code, card_type FROM dwh.dim_payment_method ORDER BY payment_method_sk`)
	if err != nil {
		return nil, fmt.Errorf("PaymentMethods: querying: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PaymentMethod, error) {
		var p domain.PaymentMethod
		err := row.Scan(&p.Key, &p.MethodCode, &p.CardType)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("PaymentMethods: scanning: %w", err)
	}
	return out, nil
}

func (t *Tx) InsertPaymentMethods(ctx context.Context, rows []domain.PaymentMethod) error {
	src := make([][]any, len(rows))
	for i, p := range rows {
		src[i] = []any{p.MethodCode, p.CardType}
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"dwh", "dim_payment_method"},
		[]string{"method_code", "card_type"}, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("InsertPaymentMethods: %w", mapError(err))
	}
	return nil
}

func (t *Tx) DateKeys(ctx context.Context) ([]int32, error) {
	rows, err := t.tx.Query(ctx, `SELECT date_key FROM dwh.dim_date ORDER BY date_key`)
	if err != nil {
		return nil, fmt.Errorf("DateKeys: querying: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("DateKeys: scanning: %w", err)
	}
	return keys, nil
}

func (t *Tx) InsertDates(ctx context.Context, rows []domain.DateRow) error {
	src := make([][]any, len(rows))
	for i, d := range rows {
		src[i] = []any{d.Key, d.Date.In(time.UTC), d.Year, d.Quarter, d.Month, d.Day, d.Weekday}
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"dwh", "dim_date"},
		[]string{"date_key", "date", "year", "quarter", "month", "day", "weekday"}, pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("InsertDates: %w", mapError(err))
	}
	return nil
}

const insertFactSQL = `
INSERT INTO dwh.fact_transactions (
    transaction_id, customer_sk, merchant_sk, payment_method_sk, currency_sk,
    date_key, amount, status, transaction_ts
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (transaction_id) DO NOTHING`

func (t *Tx) InsertFacts(ctx context.Context, rows []domain.Fact) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, f := range rows {
		batch.Queue(insertFactSQL, f.TransactionID, f.CustomerKey, f.MerchantKey, f.PaymentMethodKey,
			f.CurrencyKey, f.DateKey, numeric(f.Amount), f.Status, f.TransactionTS)
	}

	br := t.tx.SendBatch(ctx, batch)
	var inserted int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("InsertFacts: %w", mapError(err))
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("InsertFacts: closing batch: %w", mapError(err))
	}
	return inserted, nil
}

func (t *Tx) CountFacts(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+factTable.Sanitize()).Scan(&n); err != nil {
		return 0, fmt.Errorf("CountFacts: %w", err)
	}
	return n, nil
}

var _ warehouse.Warehouse = (*Warehouse)(nil)
var _ warehouse.Tx = (*Tx)(nil)
