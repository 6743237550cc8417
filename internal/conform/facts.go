package conform

import (
	"context"
	"fmt"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// FactResult counts the outcome of a fact load.
type FactResult struct {
	Staged     int
	Resolved   int
	Duplicates int // later occurrences of a transaction id within the batch
	Unresolved int
	Inserted   int64
	Skipped    int64 // already present in the fact table

	// MissingBy counts unresolved records per dimension that failed to match.
	// A record missing several dimensions is counted under each of them.
	MissingBy map[string]int
}

// Dimension names used in FactResult.MissingBy.
const (
	MissingCustomer      = "customer"
	MissingMerchant      = "merchant"
	MissingPaymentMethod = "payment_method"
	MissingCurrency      = "currency"
	MissingDate          = "date"
)

type resolver struct {
	customers      map[string]int64
	merchants      map[string]int64
	paymentMethods map[domain.PaymentMethodKey]int64
	currencies     map[string]int64
	dates          map[int32]bool
}

func loadResolver(ctx context.Context, tx warehouse.Tx) (*resolver, error) {
	r := &resolver{
		customers:      make(map[string]int64),
		merchants:      make(map[string]int64),
		paymentMethods: make(map[domain.PaymentMethodKey]int64),
		currencies:     make(map[string]int64),
		dates:          make(map[int32]bool),
	}

	for _, d := range []struct {
		dim  domain.Dimension
		into map[string]int64
	}{
		{domain.CustomerDimension, r.customers},
		{domain.MerchantDimension, r.merchants},
	} {
		versions, err := tx.CurrentVersions(ctx, d.dim)
		if err != nil {
			return nil, fmt.Errorf("reading current %s rows: %w", d.dim.Table, err)
		}
		for _, v := range versions {
			d.into[v.BusinessKey] = v.Key
		}
	}

	methods, err := tx.PaymentMethods(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading dim_payment_method: %w", err)
	}
	for _, p := range methods {
		r.paymentMethods[p.NaturalKey()] = p.Key
	}

	currencies, err := tx.Currencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading dim_currency: %w", err)
	}
	for _, c := range currencies {
		r.currencies[c.Code] = c.Key
	}

	keys, err := tx.DateKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading dim_date: %w", err)
	}
	for _, k := range keys {
		r.dates[k] = true
	}
	return r, nil
}

// resolve maps a staging record to a fact, returning the dimensions that did not match.
func (r *resolver) resolve(rec domain.StagingRecord) (domain.Fact, []string) {
	var missing []string

	customerKey, ok := r.customers[rec.CustomerID]
	if !ok {
		missing = append(missing, MissingCustomer)
	}
	merchantKey, ok := r.merchants[rec.MerchantID]
	if !ok {
		missing = append(missing, MissingMerchant)
	}
	var paymentKey int64
	if rec.PaymentMethod != nil {
		paymentKey, ok = r.paymentMethods[domain.PaymentMethodKey{
			MethodCode: *rec.PaymentMethod,
			CardType:   domain.Coalesce(rec.CardType),
		}]
	} else {
		ok = false
	}
	if !ok {
		missing = append(missing, MissingPaymentMethod)
	}
	currencyKey, ok := r.currencies[rec.Currency]
	if !ok {
		missing = append(missing, MissingCurrency)
	}
	dateKey := domain.DateKey(domain.DateOf(rec.TransactionTS))
	if !r.dates[dateKey] {
		missing = append(missing, MissingDate)
	}

	return domain.Fact{
		TransactionID:    rec.TransactionID,
		CustomerKey:      customerKey,
		MerchantKey:      merchantKey,
		PaymentMethodKey: paymentKey,
		CurrencyKey:      currencyKey,
		DateKey:          dateKey,
		Amount:           rec.Amount,
		Status:           rec.Status,
		TransactionTS:    rec.TransactionTS,
	}, missing
}

// LoadFacts resolves staging records against the current dimension rows and inserts
// the resolvable ones into the fact table. Records lacking any dimension match are
// left out, and transaction ids already loaded are skipped.
func LoadFacts(ctx context.Context, tx warehouse.Tx) (FactResult, error) {
	result := FactResult{MissingBy: make(map[string]int)}
	log := logger.FromContext(ctx)

	records, err := tx.StagingRecords(ctx)
	if err != nil {
		return result, fmt.Errorf("LoadFacts: reading staging: %w", err)
	}
	result.Staged = len(records)

	res, err := loadResolver(ctx, tx)
	if err != nil {
		return result, fmt.Errorf("LoadFacts: %w", err)
	}

	seen := make(map[string]bool, len(records))
	facts := make([]domain.Fact, 0, len(records))
	for _, rec := range records {
		if seen[rec.TransactionID] {
			result.Duplicates++
			continue
		}
		seen[rec.TransactionID] = true

		fact, missing := res.resolve(rec)
		if len(missing) > 0 {
			result.Unresolved++
			for _, m := range missing {
				result.MissingBy[m]++
			}
			log.Debug().
				Str("transaction_id", rec.TransactionID).
				Int("source_line", rec.SourceLine).
				Strs("missing", missing).
				Msg("Transaction not resolvable, excluded from facts")
			continue
		}
		facts = append(facts, fact)
	}
	result.Resolved = len(facts)

	if len(facts) > 0 {
		inserted, err := tx.InsertFacts(ctx, facts)
		if err != nil {
			return result, fmt.Errorf("LoadFacts: inserting facts: %w", err)
		}
		result.Inserted = inserted
		result.Skipped = int64(len(facts)) - inserted
	}

	event := log.Info()
	if result.Unresolved > 0 {
		event = log.Warn()
	}
	event.
		Int("staged", result.Staged).
		Int("resolved", result.Resolved).
		Int("unresolved", result.Unresolved).
		Int("duplicates", result.Duplicates).
		Int64("inserted", result.Inserted).
		Int64("skipped", result.Skipped).
		Interface("missing_by", result.MissingBy).
		Msg("Facts loaded")
	return result, nil
}
