package catalog

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeItem(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "ITEM",
		"id": "item-1",
		"version": 7,
		"updated_at": "2024-03-01T10:00:00Z",
		"item_data": {
			"name": "Oat Milk",
			"category_id": "cat-1",
			"category_name": null,
			"image_ids": ["img-1"],
			"variations": [
				{"id": "var-1", "sku": "OM-1", "upc": "012345678905", "price_money": {"amount": 499, "currency": "USD"}},
				{"id": "var-2", "sku": "", "upc": null}
			]
		}
	}`)

	obj, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "item-1", obj.ID)
	assert.Equal(t, TypeItem, obj.Type)
	assert.Equal(t, int64(7), obj.Version)
	assert.False(t, obj.IsDeleted)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), obj.UpdatedAt)

	item, ok := obj.ItemPayload()
	require.True(t, ok)
	assert.Equal(t, "Oat Milk", item.Name.OrElse(""))
	assert.False(t, item.CategoryName.Present())
	assert.Equal(t, []string{"OM-1"}, item.SKUs())
	assert.Equal(t, []string{"012345678905"}, item.Barcodes())

	price, ok := item.FirstPrice().Get()
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("4.99").Equal(price.Decimal()))
	assert.Equal(t, "img-1", item.PrimaryImageID().OrElse(""))

	// a present empty string is not the same as an absent value
	sku, present := item.Variations[1].SKU.Get()
	assert.True(t, present)
	assert.Equal(t, "", sku)
	assert.False(t, item.Variations[1].UPC.Present())
}

func TestDecodeRejectsMalformedObjects(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"missing id":      `{"type":"ITEM","version":1,"item_data":{}}`,
		"unknown type":    `{"type":"WIDGET","id":"w","version":1}`,
		"negative":        `{"type":"CATEGORY","id":"c","version":-1,"category_data":{}}`,
		"missing data":    `{"type":"ITEM","id":"i","version":1}`,
		"bad variation":   `{"type":"ITEM","id":"i","version":1,"item_data":{"variations":[{"sku":"x"}]}}`,
		"bad updated_at":  `{"type":"TAX","id":"t","version":1,"updated_at":"yesterday","tax_data":{}}`,
		"bad money":       `{"type":"MODIFIER","id":"m","version":1,"modifier_data":{"price_money":{"amount":"1"}}}`,
		"string version":  `{"type":"IMAGE","id":"m","version":"3","image_data":{}}`,
		"name not string": `{"type":"CATEGORY","id":"c","version":1,"category_data":{"name":5}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(json.RawMessage(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedObject), "got %v", err)
		})
	}
}

func TestDecodeTombstoneWithoutData(t *testing.T) {
	obj, err := Decode(json.RawMessage(`{"type":"ITEM","id":"gone","version":9,"is_deleted":true}`))
	require.NoError(t, err)
	assert.True(t, obj.IsDeleted)
	assert.Nil(t, obj.Payload)
}

func TestEncodeDecodeKeepsTaxPercentage(t *testing.T) {
	obj := Object{
		ID:      "tax-1",
		Type:    TypeTax,
		Version: 2,
		Payload: &Tax{Name: Some("City"), Percentage: Some(decimal.RequireFromString("8.875"))},
	}
	raw, err := Encode(obj)
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	tax, ok := back.Payload.(*Tax)
	require.True(t, ok)
	pct, ok := tax.Percentage.Get()
	require.True(t, ok)
	assert.Equal(t, "8.875", pct.String())
	assert.False(t, tax.Enabled.Present())
}

func TestMalformedErrorCarriesIdentity(t *testing.T) {
	_, err := Decode(json.RawMessage(`{"type":"ITEM","id":"x-1","version":1}`))
	var malformed *MalformedObjectError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "x-1", malformed.ID)
	assert.Equal(t, TypeItem, malformed.Type)
}
