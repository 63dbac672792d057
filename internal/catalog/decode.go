package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const objectSchemaURL = "https://schemas.catalogd.dev/catalog-object.json"

const objectSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "id", "version"],
  "properties": {
    "type": {"enum": ["ITEM", "CATEGORY", "TAX", "MODIFIER_LIST", "MODIFIER", "IMAGE"]},
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 0},
    "updated_at": {"type": ["string", "null"]},
    "is_deleted": {"type": ["boolean", "null"]},
    "item_data": {"$ref": "#/$defs/item"},
    "category_data": {"$ref": "#/$defs/named"},
    "tax_data": {"$ref": "#/$defs/tax"},
    "modifier_list_data": {"$ref": "#/$defs/modifierList"},
    "modifier_data": {"$ref": "#/$defs/modifier"},
    "image_data": {"$ref": "#/$defs/image"}
  },
  "$defs": {
    "optString": {"type": ["string", "null"]},
    "stringList": {"type": ["array", "null"], "items": {"type": "string"}},
    "money": {
      "type": ["object", "null"],
      "required": ["amount", "currency"],
      "properties": {
        "amount": {"type": "integer"},
        "currency": {"type": "string", "minLength": 3, "maxLength": 3}
      }
    },
    "variation": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"$ref": "#/$defs/optString"},
        "sku": {"$ref": "#/$defs/optString"},
        "upc": {"$ref": "#/$defs/optString"},
        "price_money": {"$ref": "#/$defs/money"}
      }
    },
    "item": {
      "type": ["object", "null"],
      "properties": {
        "name": {"$ref": "#/$defs/optString"},
        "description": {"$ref": "#/$defs/optString"},
        "category_id": {"$ref": "#/$defs/optString"},
        "category_name": {"$ref": "#/$defs/optString"},
        "tax_ids": {"$ref": "#/$defs/stringList"},
        "image_ids": {"$ref": "#/$defs/stringList"},
        "variations": {"type": ["array", "null"], "items": {"$ref": "#/$defs/variation"}}
      }
    },
    "named": {
      "type": ["object", "null"],
      "properties": {"name": {"$ref": "#/$defs/optString"}}
    },
    "tax": {
      "type": ["object", "null"],
      "properties": {
        "name": {"$ref": "#/$defs/optString"},
        "percentage": {"type": ["string", "number", "null"]},
        "enabled": {"type": ["boolean", "null"]}
      }
    },
    "modifierList": {
      "type": ["object", "null"],
      "properties": {
        "name": {"$ref": "#/$defs/optString"},
        "modifier_ids": {"$ref": "#/$defs/stringList"}
      }
    },
    "modifier": {
      "type": ["object", "null"],
      "properties": {
        "name": {"$ref": "#/$defs/optString"},
        "modifier_list_id": {"$ref": "#/$defs/optString"},
        "price_money": {"$ref": "#/$defs/money"}
      }
    },
    "image": {
      "type": ["object", "null"],
      "properties": {
        "name": {"$ref": "#/$defs/optString"},
        "url": {"$ref": "#/$defs/optString"},
        "caption": {"$ref": "#/$defs/optString"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func objectValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(objectSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse object schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(objectSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add object schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(objectSchemaURL)
	})
	return compiledSchema, schemaErr
}

type wireObject struct {
	Type             string          `json:"type"`
	ID               string          `json:"id"`
	Version          int64           `json:"version"`
	UpdatedAt        Opt[string]     `json:"updated_at,omitzero"`
	IsDeleted        Opt[bool]       `json:"is_deleted,omitzero"`
	ItemData         json.RawMessage `json:"item_data,omitempty"`
	CategoryData     json.RawMessage `json:"category_data,omitempty"`
	TaxData          json.RawMessage `json:"tax_data,omitempty"`
	ModifierListData json.RawMessage `json:"modifier_list_data,omitempty"`
	ModifierData     json.RawMessage `json:"modifier_data,omitempty"`
	ImageData        json.RawMessage `json:"image_data,omitempty"`
}

func (w *wireObject) data(t ObjectType) json.RawMessage {
	var raw json.RawMessage
	switch t {
	case TypeItem:
		raw = w.ItemData
	case TypeCategory:
		raw = w.CategoryData
	case TypeTax:
		raw = w.TaxData
	case TypeModifierList:
		raw = w.ModifierListData
	case TypeModifier:
		raw = w.ModifierData
	case TypeImage:
		raw = w.ImageData
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

func (w *wireObject) setData(t ObjectType, raw json.RawMessage) {
	switch t {
	case TypeItem:
		w.ItemData = raw
	case TypeCategory:
		w.CategoryData = raw
	case TypeTax:
		w.TaxData = raw
	case TypeModifierList:
		w.ModifierListData = raw
	case TypeModifier:
		w.ModifierData = raw
	case TypeImage:
		w.ImageData = raw
	}
}

// Decode validates one provider object and converts it to an Object.
// Any failure is reported as a *MalformedObjectError.
func Decode(raw json.RawMessage) (Object, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &head)
	malformed := func(reason string, err error) (Object, error) {
		return Object{}, &MalformedObjectError{ID: head.ID, Type: ObjectType(head.Type), Reason: reason, Err: err}
	}

	validator, err := objectValidator()
	if err != nil {
		return Object{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return malformed("invalid json", err)
	}
	if err := validator.Validate(inst); err != nil {
		return malformed(strings.Join(strings.Fields(err.Error()), " "), err)
	}

	var w wireObject
	if err := json.Unmarshal(raw, &w); err != nil {
		return malformed("decode envelope", err)
	}
	t, _ := ParseObjectType(w.Type)
	obj := Object{
		ID:        strings.TrimSpace(w.ID),
		Type:      t,
		Version:   w.Version,
		IsDeleted: w.IsDeleted.OrElse(false),
	}
	if ts, ok := NonEmpty(w.UpdatedAt); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return malformed("invalid updated_at", err)
		}
		obj.UpdatedAt = parsed.UTC()
	}

	data := w.data(t)
	if data == nil {
		if !obj.IsDeleted {
			return malformed(fmt.Sprintf("missing %s data", strings.ToLower(string(t))), nil)
		}
		return obj, nil
	}
	payload, err := UnmarshalPayload(t, data)
	if err != nil {
		return malformed("decode payload", err)
	}
	obj.Payload = payload
	return obj, nil
}

// Encode renders obj in the provider wire shape accepted by Decode.
func Encode(obj Object) (json.RawMessage, error) {
	w := wireObject{
		Type:      string(obj.Type),
		ID:        obj.ID,
		Version:   obj.Version,
		IsDeleted: Some(obj.IsDeleted),
	}
	if !obj.UpdatedAt.IsZero() {
		w.UpdatedAt = Some(obj.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	if obj.Payload != nil {
		data, err := MarshalPayload(obj.Payload)
		if err != nil {
			return nil, err
		}
		w.setData(obj.Type, data)
	}
	return json.Marshal(w)
}
