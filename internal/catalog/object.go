package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type ObjectType string

const (
	TypeItem         ObjectType = "ITEM"
	TypeCategory     ObjectType = "CATEGORY"
	TypeTax          ObjectType = "TAX"
	TypeModifierList ObjectType = "MODIFIER_LIST"
	TypeModifier     ObjectType = "MODIFIER"
	TypeImage        ObjectType = "IMAGE"
)

var AllTypes = []ObjectType{TypeItem, TypeCategory, TypeTax, TypeModifierList, TypeModifier, TypeImage}

func (t ObjectType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseObjectType(raw string) (ObjectType, bool) {
	t := ObjectType(strings.ToUpper(strings.TrimSpace(raw)))
	return t, t.Valid()
}

// Object is one versioned catalog entity. Payload holds the variant data and
// is nil for tombstones that arrived without a data block.
type Object struct {
	ID        string
	Type      ObjectType
	Version   int64
	UpdatedAt time.Time
	IsDeleted bool
	Payload   Payload
}

type Payload interface {
	ObjectType() ObjectType
}

type Item struct {
	Name         Opt[string] `json:"name,omitzero"`
	Description  Opt[string] `json:"description,omitzero"`
	CategoryID   Opt[string] `json:"category_id,omitzero"`
	CategoryName Opt[string] `json:"category_name,omitzero"`
	TaxIDs       []string    `json:"tax_ids,omitempty"`
	ImageIDs     []string    `json:"image_ids,omitempty"`
	Variations   []Variation `json:"variations,omitempty"`
}

type Variation struct {
	ID    string      `json:"id"`
	Name  Opt[string] `json:"name,omitzero"`
	SKU   Opt[string] `json:"sku,omitzero"`
	UPC   Opt[string] `json:"upc,omitzero"`
	Price Opt[Money]  `json:"price_money,omitzero"`
}

type Category struct {
	Name Opt[string] `json:"name,omitzero"`
}

type Tax struct {
	Name       Opt[string]          `json:"name,omitzero"`
	Percentage Opt[decimal.Decimal] `json:"percentage,omitzero"`
	Enabled    Opt[bool]            `json:"enabled,omitzero"`
}

type ModifierList struct {
	Name        Opt[string] `json:"name,omitzero"`
	ModifierIDs []string    `json:"modifier_ids,omitempty"`
}

type Modifier struct {
	Name           Opt[string] `json:"name,omitzero"`
	ModifierListID Opt[string] `json:"modifier_list_id,omitzero"`
	Price          Opt[Money]  `json:"price_money,omitzero"`
}

type Image struct {
	Name    Opt[string] `json:"name,omitzero"`
	URL     Opt[string] `json:"url,omitzero"`
	Caption Opt[string] `json:"caption,omitzero"`
}

func (*Item) ObjectType() ObjectType         { return TypeItem }
func (*Category) ObjectType() ObjectType     { return TypeCategory }
func (*Tax) ObjectType() ObjectType          { return TypeTax }
func (*ModifierList) ObjectType() ObjectType { return TypeModifierList }
func (*Modifier) ObjectType() ObjectType     { return TypeModifier }
func (*Image) ObjectType() ObjectType        { return TypeImage }

// SKUs returns the present, non-blank SKUs of every variation in order.
func (it *Item) SKUs() []string {
	out := make([]string, 0, len(it.Variations))
	for _, v := range it.Variations {
		if sku, ok := NonEmpty(v.SKU); ok {
			out = append(out, strings.TrimSpace(sku))
		}
	}
	return out
}

func (it *Item) Barcodes() []string {
	out := make([]string, 0, len(it.Variations))
	for _, v := range it.Variations {
		if upc, ok := NonEmpty(v.UPC); ok {
			out = append(out, strings.TrimSpace(upc))
		}
	}
	return out
}

// FirstPrice is the price of the first variation that carries one.
func (it *Item) FirstPrice() Opt[Money] {
	for _, v := range it.Variations {
		if v.Price.Present() {
			return v.Price
		}
	}
	return None[Money]()
}

func (it *Item) PrimaryImageID() Opt[string] {
	for _, id := range it.ImageIDs {
		if strings.TrimSpace(id) != "" {
			return Some(id)
		}
	}
	return None[string]()
}

// ItemPayload returns the item data when obj is a live or tombstoned item with a payload.
func (o Object) ItemPayload() (*Item, bool) {
	it, ok := o.Payload.(*Item)
	return it, ok && it != nil
}

func (o Object) DisplayName() string {
	switch p := o.Payload.(type) {
	case *Item:
		return p.Name.OrElse("")
	case *Category:
		return p.Name.OrElse("")
	case *Tax:
		return p.Name.OrElse("")
	case *ModifierList:
		return p.Name.OrElse("")
	case *Modifier:
		return p.Name.OrElse("")
	case *Image:
		return p.Name.OrElse("")
	}
	return ""
}

func newPayload(t ObjectType) (Payload, error) {
	switch t {
	case TypeItem:
		return &Item{}, nil
	case TypeCategory:
		return &Category{}, nil
	case TypeTax:
		return &Tax{}, nil
	case TypeModifierList:
		return &ModifierList{}, nil
	case TypeModifier:
		return &Modifier{}, nil
	case TypeImage:
		return &Image{}, nil
	}
	return nil, fmt.Errorf("unknown object type %q", t)
}

// UnmarshalPayload decodes a stored variant blob for the given type.
func UnmarshalPayload(t ObjectType, data []byte) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	p, err := newPayload(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal(p)
}
