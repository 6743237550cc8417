package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// StagingRecord is one row of the input file as it lands in staging.transactions_raw.
// Optional attributes are nil when the column is absent from the file and "" when the
// cell is empty.
type StagingRecord struct {
	SourceLine    int // 1-based data row number in the input file
	TransactionID string
	CustomerID    string
	MerchantID    string
	TransactionTS time.Time // always UTC
	Amount        decimal.Decimal
	Currency      string
	Status        string

	Country       *string
	City          *string
	PaymentMethod *string
	CardType      *string
	Category      *string
}

// Fact is one resolved row of dwh.fact_transactions.
type Fact struct {
	TransactionID    string
	CustomerKey      int64
	MerchantKey      int64
	PaymentMethodKey int64
	CurrencyKey      int64
	DateKey          int32
	Amount           decimal.Decimal
	Status           string
	TransactionTS    time.Time
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Coalesce returns the value of s, or "" when s is nil.
func Coalesce(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
