package bigquery

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/txn-warehouse/internal/domain"
)

// numericScale is the fixed scale of a BigQuery NUMERIC.
const numericScale = 9

type StagingRow struct {
	SourceLine    int64     `bigquery:"source_line"`    // REQUIRED
	TransactionID string    `bigquery:"transaction_id"` // REQUIRED
	CustomerID    string    `bigquery:"customer_id"`    // REQUIRED
	MerchantID    string    `bigquery:"merchant_id"`    // REQUIRED
	TransactionTS time.Time `bigquery:"transaction_ts"` // REQUIRED
	Amount        *big.Rat  `bigquery:"amount"`         // REQUIRED NUMERIC
	Currency      string    `bigquery:"currency"`       // REQUIRED
	Status        string    `bigquery:"status"`         // REQUIRED

	Country       bigquery.NullString `bigquery:"country"`        // NULLABLE
	City          bigquery.NullString `bigquery:"city"`           // NULLABLE
	PaymentMethod bigquery.NullString `bigquery:"payment_method"` // NULLABLE
	CardType      bigquery.NullString `bigquery:"card_type"`      // NULLABLE
	Category      bigquery.NullString `bigquery:"category"`       // NULLABLE
}

type CurrencyRow struct {
	CurrencySK     int64               `bigquery:"currency_sk"`
	CurrencyCode   string              `bigquery:"currency_code"`
	Symbol         bigquery.NullString `bigquery:"symbol"`
	FractionDigits bigquery.NullInt64  `bigquery:"fraction_digits"`
}

type PaymentMethodRow struct {
	PaymentMethodSK int64               `bigquery:"payment_method_sk"`
	MethodCode      string              `bigquery:"method_code"`
	CardType        bigquery.NullString `bigquery:"card_type"`
}

// PaymentMethodKeyRow is a natural key with an absent card type spelled as "".
type PaymentMethodKeyRow struct {
	MethodCode string `bigquery:"method_code"`
	CardType   string `bigquery:"card_type"`
}

type DateRow struct {
	DateKey int64      `bigquery:"date_key"`
	Date    civil.Date `bigquery:"date"`
	Year    int64      `bigquery:"year"`
	Quarter int64      `bigquery:"quarter"`
	Month   int64      `bigquery:"month"`
	Day     int64      `bigquery:"day"`
	Weekday int64      `bigquery:"weekday"`
}

// AttributeValue wraps one tracked attribute so that a NULL can travel inside an array.
type AttributeValue struct {
	Value bigquery.NullString `bigquery:"value"`
}

// VersionRow is the parameter shape of a new dimension version. Ordinal keeps the
// surrogate keys in input order.
type VersionRow struct {
	Ordinal     int64                  `bigquery:"ordinal"`
	BusinessKey string                 `bigquery:"business_key"`
	Attributes  []AttributeValue       `bigquery:"attributes"`
	ValidFrom   time.Time              `bigquery:"valid_from"`
	ValidTo     bigquery.NullTimestamp `bigquery:"valid_to"`
	IsCurrent   bool                   `bigquery:"is_current"`
}

type FactRow struct {
	TransactionID   string    `bigquery:"transaction_id"`
	CustomerSK      int64     `bigquery:"customer_sk"`
	MerchantSK      int64     `bigquery:"merchant_sk"`
	PaymentMethodSK int64     `bigquery:"payment_method_sk"`
	CurrencySK      int64     `bigquery:"currency_sk"`
	DateKey         int64     `bigquery:"date_key"`
	Amount          *big.Rat  `bigquery:"amount"`
	Status          string    `bigquery:"status"`
	TransactionTS   time.Time `bigquery:"transaction_ts"`
}

type RunRow struct {
	RunID        string                 `bigquery:"run_id"`
	InputURI     string                 `bigquery:"input_uri"`
	Checksum     string                 `bigquery:"checksum"`
	Status       string                 `bigquery:"status"`
	LastStage    string                 `bigquery:"last_stage"`
	RunTS        time.Time              `bigquery:"run_ts"`
	StartedAt    time.Time              `bigquery:"started_at"`
	FinishedAt   bigquery.NullTimestamp `bigquery:"finished_at"`
	ErrorMessage string                 `bigquery:"error_message"`
}

func nullString(s *string) bigquery.NullString {
	if s == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *s, Valid: true}
}

func stringPtr(n bigquery.NullString) *string {
	if !n.Valid {
		return nil
	}
	return domain.StringPtr(n.StringVal)
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func timePtr(n bigquery.NullTimestamp) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Timestamp.UTC()
	return &t
}

func ratFromDecimal(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

func decimalFromRat(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errors.New("missing numeric value")
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}

func newStagingRow(r domain.StagingRecord) StagingRow {
	return StagingRow{
		SourceLine:    int64(r.SourceLine),
		TransactionID: r.TransactionID,
		CustomerID:    r.CustomerID,
		MerchantID:    r.MerchantID,
		TransactionTS: r.TransactionTS,
		Amount:        ratFromDecimal(r.Amount),
		Currency:      r.Currency,
		Status:        r.Status,
		Country:       nullString(r.Country),
		City:          nullString(r.City),
		PaymentMethod: nullString(r.PaymentMethod),
		CardType:      nullString(r.CardType),
		Category:      nullString(r.Category),
	}
}

func (r StagingRow) record() (domain.StagingRecord, error) {
	amount, err := decimalFromRat(r.Amount)
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("line %d amount: %w", r.SourceLine, err)
	}
	return domain.StagingRecord{
		SourceLine:    int(r.SourceLine),
		TransactionID: r.TransactionID,
		CustomerID:    r.CustomerID,
		MerchantID:    r.MerchantID,
		TransactionTS: r.TransactionTS.UTC(),
		Amount:        amount,
		Currency:      r.Currency,
		Status:        r.Status,
		Country:       stringPtr(r.Country),
		City:          stringPtr(r.City),
		PaymentMethod: stringPtr(r.PaymentMethod),
		CardType:      stringPtr(r.CardType),
		Category:      stringPtr(r.Category),
	}, nil
}

func (r CurrencyRow) currency() domain.Currency {
	c := domain.Currency{Key: r.CurrencySK, Code: r.CurrencyCode, Symbol: stringPtr(r.Symbol)}
	if r.FractionDigits.Valid {
		digits := int32(r.FractionDigits.Int64)
		c.FractionDigits = &digits
	}
	return c
}

func newCurrencyRow(c domain.Currency) CurrencyRow {
	row := CurrencyRow{CurrencyCode: c.Code, Symbol: nullString(c.Symbol)}
	if c.FractionDigits != nil {
		row.FractionDigits = bigquery.NullInt64{Int64: int64(*c.FractionDigits), Valid: true}
	}
	return row
}

func newDateRow(d domain.DateRow) DateRow {
	return DateRow{
		DateKey: int64(d.Key),
		Date:    d.Date,
		Year:    int64(d.Year),
		Quarter: int64(d.Quarter),
		Month:   int64(d.Month),
		Day:     int64(d.Day),
		Weekday: int64(d.Weekday),
	}
}

func newVersionRow(i int, v domain.Version) VersionRow {
	attrs := make([]AttributeValue, len(v.Attributes))
	for j, a := range v.Attributes {
		attrs[j] = AttributeValue{Value: nullString(a)}
	}
	return VersionRow{
		Ordinal:     int64(i),
		BusinessKey: v.BusinessKey,
		Attributes:  attrs,
		ValidFrom:   v.ValidFrom,
		ValidTo:     nullTimestamp(v.ValidTo),
		IsCurrent:   v.IsCurrent,
	}
}

// versionFromValues converts a row selected by selectVersionsSQL.
func versionFromValues(dim domain.Dimension, vals []bigquery.Value) (domain.Version, error) {
	want := len(dim.Attributes) + 5
	if len(vals) != want {
		return domain.Version{}, fmt.Errorf("%s row has %d columns, want %d", dim.Table, len(vals), want)
	}
	var v domain.Version
	var ok bool
	if v.Key, ok = vals[0].(int64); !ok {
		return v, fmt.Errorf("%s: unexpected surrogate key %T", dim.Table, vals[0])
	}
	if v.BusinessKey, ok = vals[1].(string); !ok {
		return v, fmt.Errorf("%s: unexpected business key %T", dim.Table, vals[1])
	}
	v.Attributes = make([]*string, len(dim.Attributes))
	for i := range dim.Attributes {
		switch a := vals[2+i].(type) {
		case nil:
		case string:
			v.Attributes[i] = domain.StringPtr(a)
		default:
			return v, fmt.Errorf("%s: unexpected %s value %T", dim.Table, dim.Attributes[i], a)
		}
	}
	rest := vals[2+len(dim.Attributes):]
	from, ok := rest[0].(time.Time)
	if !ok {
		return v, fmt.Errorf("%s: unexpected valid_from %T", dim.Table, rest[0])
	}
	v.ValidFrom = from.UTC()
	if to, ok := rest[1].(time.Time); ok {
		to = to.UTC()
		v.ValidTo = &to
	}
	if v.IsCurrent, ok = rest[2].(bool); !ok {
		return v, fmt.Errorf("%s: unexpected is_current %T", dim.Table, rest[2])
	}
	return v, nil
}

func newFactRow(f domain.Fact) FactRow {
	return FactRow{
		TransactionID:   f.TransactionID,
		CustomerSK:      f.CustomerKey,
		MerchantSK:      f.MerchantKey,
		PaymentMethodSK: f.PaymentMethodKey,
		CurrencySK:      f.CurrencyKey,
		DateKey:         int64(f.DateKey),
		Amount:          ratFromDecimal(f.Amount),
		Status:          f.Status,
		TransactionTS:   f.TransactionTS,
	}
}

func newRunRow(r domain.Run) RunRow {
	return RunRow{
		RunID:        r.ID,
		InputURI:     r.InputURI,
		Checksum:     r.Checksum,
		Status:       string(r.Status),
		LastStage:    r.LastStage,
		RunTS:        r.RunTS,
		StartedAt:    r.StartedAt,
		FinishedAt:   nullTimestamp(r.FinishedAt),
		ErrorMessage: r.Error,
	}
}

func (r RunRow) run() domain.Run {
	return domain.Run{
		ID:         r.RunID,
		InputURI:   r.InputURI,
		Checksum:   r.Checksum,
		Status:     domain.RunStatus(r.Status),
		LastStage:  r.LastStage,
		RunTS:      r.RunTS.UTC(),
		StartedAt:  r.StartedAt.UTC(),
		FinishedAt: timePtr(r.FinishedAt),
		Error:      r.ErrorMessage,
	}
}
