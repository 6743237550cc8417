package domain

import (
	"strings"

	"github.com/Rhymond/go-money"
)

// Currency is a row of dwh.dim_currency.
type Currency struct {
	Key            int64
	Code           string
	Symbol         *string
	FractionDigits *int32
}

// NewCurrency builds a currency row for code, enriched with the ISO 4217 symbol and
// minor units when the code is known. Unknown codes are kept as-is.
func NewCurrency(code string) Currency {
	c := Currency{Code: code}
	if iso := money.GetCurrency(strings.ToUpper(code)); iso != nil {
		symbol := iso.Grapheme
		digits := int32(iso.Fraction)
		c.Symbol = &symbol
		c.FractionDigits = &digits
	}
	return c
}

// PaymentMethod is a row of dwh.dim_payment_method.
type PaymentMethod struct {
	Key        int64
	MethodCode string
	CardType   *string
}

// PaymentMethodKey is the natural key of a payment method. An absent card type and an
// empty card type are the same key.
type PaymentMethodKey struct {
	MethodCode string
	CardType   string
}

// NaturalKey returns the comparison key of p.
func (p PaymentMethod) NaturalKey() PaymentMethodKey {
	return PaymentMethodKey{MethodCode: p.MethodCode, CardType: Coalesce(p.CardType)}
}
