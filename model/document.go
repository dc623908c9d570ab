package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// FieldKind is the declared type of a document field.
type FieldKind string

// Document field kinds.
const (
	FieldKindNumber FieldKind = "number"
	FieldKindString FieldKind = "string"
	FieldKindBool   FieldKind = "bool"
)

// Built-in field names every document exposes to conditions.
const (
	FieldAmount       = "amount"
	FieldDocumentType = "document_type"
)

// FieldValue is a typed document field value. Exactly one of the accessors
// reports ok, according to Kind. On the wire it is a bare JSON scalar whose
// JSON type declares the kind.
type FieldValue struct {
	kind FieldKind
	num  decimal.Decimal
	str  string
	b    bool
}

// NumberValue returns a numeric field value.
func NumberValue(d decimal.Decimal) FieldValue {
	return FieldValue{kind: FieldKindNumber, num: d}
}

// IntValue returns a numeric field value from an integer.
func IntValue(n int64) FieldValue {
	return NumberValue(decimal.NewFromInt(n))
}

// StringValue returns a string field value.
func StringValue(s string) FieldValue {
	return FieldValue{kind: FieldKindString, str: s}
}

// BoolValue returns a boolean field value.
func BoolValue(b bool) FieldValue {
	return FieldValue{kind: FieldKindBool, b: b}
}

// Kind returns the declared kind of the value.
func (v FieldValue) Kind() FieldKind { return v.kind }

// AsNumber returns the numeric value and whether the field is numeric.
func (v FieldValue) AsNumber() (decimal.Decimal, bool) {
	return v.num, v.kind == FieldKindNumber
}

// AsString returns the string value and whether the field is a string.
func (v FieldValue) AsString() (string, bool) {
	return v.str, v.kind == FieldKindString
}

// AsBool returns the boolean value and whether the field is a boolean.
func (v FieldValue) AsBool() (bool, bool) {
	return v.b, v.kind == FieldKindBool
}

// MarshalJSON implements json.Marshaler.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case FieldKindNumber:
		return []byte(v.num.String()), nil
	case FieldKindString:
		return json.Marshal(v.str)
	case FieldKindBool:
		return json.Marshal(v.b)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *FieldValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	fv, err := fieldValueOf(raw)
	if err != nil {
		return err
	}
	*v = fv
	return nil
}

func fieldValueOf(raw any) (FieldValue, error) {
	switch x := raw.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return FieldValue{}, fmt.Errorf("field value %q: %w", x, err)
		}
		return NumberValue(d), nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	default:
		return FieldValue{}, fmt.Errorf("field value must be a number, string or bool, got %T", raw)
	}
}

// Document is the read-only input submitted for approval.
type Document struct {
	DocumentID   string                `json:"document_id"`
	DocumentType string                `json:"document_type"`
	Amount       decimal.Decimal       `json:"amount"`
	Fields       map[string]FieldValue `json:"fields,omitempty"`
}

// Field looks up a field by name. Explicit fields take precedence over the
// built-in amount and document_type fields.
func (d Document) Field(name string) (FieldValue, bool) {
	if v, ok := d.Fields[name]; ok {
		return v, true
	}
	switch name {
	case FieldAmount:
		return NumberValue(d.Amount), true
	case FieldDocumentType:
		if d.DocumentType != "" {
			return StringValue(d.DocumentType), true
		}
	}
	return FieldValue{}, false
}

// Clone returns a copy of the document that shares no maps with d.
func (d Document) Clone() Document {
	out := d
	if d.Fields != nil {
		out.Fields = make(map[string]FieldValue, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
