package conform

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/dvloznov/txn-warehouse/internal/domain"
	"github.com/dvloznov/txn-warehouse/internal/logger"
	"github.com/dvloznov/txn-warehouse/internal/warehouse"
)

// ConformCurrencies inserts staging currency codes missing from dim_currency.
func ConformCurrencies(ctx context.Context, tx warehouse.Tx) (int, error) {
	records, err := tx.StagingRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("ConformCurrencies: reading staging: %w", err)
	}
	existing, err := tx.Currencies(ctx)
	if err != nil {
		return 0, fmt.Errorf("ConformCurrencies: reading dim_currency: %w", err)
	}

	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.Code] = true
	}

	var missing []domain.Currency
	for _, r := range records {
		if known[r.Currency] {
			continue
		}
		known[r.Currency] = true
		missing = append(missing, domain.NewCurrency(r.Currency))
	}
	slices.SortFunc(missing, func(a, b domain.Currency) int { return cmp.Compare(a.Code, b.Code) })

	if len(missing) > 0 {
		if err := tx.InsertCurrencies(ctx, missing); err != nil {
			return 0, fmt.Errorf("ConformCurrencies: inserting currencies: %w", err)
		}
	}

	log := logger.FromContext(ctx)
	log.Info().Int("inserted", len(missing)).Msg("Currencies conformed")
	return len(missing), nil
}

// ConformPaymentMethods inserts staging (method, card type) combinations missing from
// dim_payment_method. Records from files without a payment_method column are skipped.
func ConformPaymentMethods(ctx context.Context, tx warehouse.Tx) (int, error) {
	records, err := tx.StagingRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("ConformPaymentMethods: reading staging: %w", err)
	}
	existing, err := tx.PaymentMethods(ctx)
	if err != nil {
		return 0, fmt.Errorf("ConformPaymentMethods: reading dim_payment_method: %w", err)
	}

	known := make(map[domain.PaymentMethodKey]bool, len(existing))
	for _, p := range existing {
		known[p.NaturalKey()] = true
	}

	var (
		missing []domain.PaymentMethod
		skipped int
	)
	for _, r := range records {
		if r.PaymentMethod == nil {
			skipped++
			continue
		}
		pm := domain.PaymentMethod{MethodCode: *r.PaymentMethod, CardType: r.CardType}
		if known[pm.NaturalKey()] {
			continue
		}
		known[pm.NaturalKey()] = true
		missing = append(missing, pm)
	}
	slices.SortFunc(missing, func(a, b domain.PaymentMethod) int {
		return cmp.Or(
			cmp.Compare(a.MethodCode, b.MethodCode),
			cmp.Compare(domain.Coalesce(a.CardType), domain.Coalesce(b.CardType)),
		)
	})

	if len(missing) > 0 {
		if err := tx.InsertPaymentMethods(ctx, missing); err != nil {
			return 0, fmt.Errorf("ConformPaymentMethods: inserting payment methods: %w", err)
		}
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("inserted", len(missing)).
		Int("without_method", skipped).
		Msg("Payment methods conformed")
	return len(missing), nil
}
