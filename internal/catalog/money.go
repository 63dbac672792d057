package catalog

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the currency's minor unit, as the provider sends it.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

var zeroExponentCurrencies = map[string]struct{}{
	"JPY": {}, "KRW": {}, "VND": {}, "CLP": {}, "ISK": {}, "UGX": {}, "XAF": {}, "XOF": {},
}

var threeExponentCurrencies = map[string]struct{}{
	"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
}

func currencyExponent(currency string) int32 {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if _, ok := zeroExponentCurrencies[code]; ok {
		return 0
	}
	if _, ok := threeExponentCurrencies[code]; ok {
		return 3
	}
	return 2
}

// Decimal returns the major-unit amount, e.g. 1299 USD -> 12.99.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -currencyExponent(m.Currency))
}

func (m Money) String() string {
	exp := currencyExponent(m.Currency)
	return m.Decimal().StringFixed(exp) + " " + strings.ToUpper(m.Currency)
}

// MoneyFromDecimal converts a major-unit amount back to minor units, rounding half away from zero.
func MoneyFromDecimal(amount decimal.Decimal, currency string) Money {
	exp := currencyExponent(currency)
	return Money{
		Amount:   amount.Shift(exp).Round(0).IntPart(),
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
}
