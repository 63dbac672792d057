package catalog

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "cafe creme", NormalizeText("  Café   Crème "))
	assert.Equal(t, "strasse", NormalizeText("STRASSE"))
	assert.Equal(t, "", NormalizeText("   "))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "AB-12", NormalizeCode(" ab-1 2 "))
}

func TestMoneyExponents(t *testing.T) {
	assert.Equal(t, "12.99 USD", Money{Amount: 1299, Currency: "usd"}.String())
	assert.Equal(t, "500 JPY", Money{Amount: 500, Currency: "JPY"}.String())
	assert.Equal(t, "1.250 KWD", Money{Amount: 1250, Currency: "KWD"}.String())
	assert.Equal(t, Money{Amount: 1300, Currency: "USD"}, MoneyFromDecimal(decimal.RequireFromString("12.995"), "usd"))
}

func TestOptJSON(t *testing.T) {
	var o Opt[string]
	assert.NoError(t, o.UnmarshalJSON([]byte("null")))
	assert.False(t, o.Present())
	assert.NoError(t, o.UnmarshalJSON([]byte(`""`)))
	assert.True(t, o.Present())
	_, ok := NonEmpty(o)
	assert.False(t, ok)

	b, err := None[int]().MarshalJSON()
	assert.NoError(t, err)
	assert.Equal(t, "null", string(b))
}
