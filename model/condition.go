package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Operator is a condition comparison operator.
type Operator string

// Supported condition operators.
const (
	OpEquals      Operator = "equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpContains    Operator = "contains"
)

// OperandKind discriminates the Operand variants.
type OperandKind string

// Operand kinds.
const (
	OperandNumber OperandKind = "number"
	OperandString OperandKind = "string"
	OperandBool   OperandKind = "bool"
	OperandRange  OperandKind = "range"
)

// Operand is the right-hand side of a condition. The variant is fixed when the
// operand is decoded and is never re-interpreted during evaluation.
//
// Wire form: a bare number, string or bool, or a two element [lo, hi] array
// for ranges.
type Operand struct {
	Kind   OperandKind
	Number decimal.Decimal
	Str    string
	Bool   bool
	Lo, Hi decimal.Decimal
}

// NumberOperand returns a numeric operand.
func NumberOperand(d decimal.Decimal) Operand {
	return Operand{Kind: OperandNumber, Number: d}
}

// StringOperand returns a string operand.
func StringOperand(s string) Operand {
	return Operand{Kind: OperandString, Str: s}
}

// BoolOperand returns a boolean operand.
func BoolOperand(b bool) Operand {
	return Operand{Kind: OperandBool, Bool: b}
}

// RangeOperand returns an inclusive [lo, hi] operand.
func RangeOperand(lo, hi decimal.Decimal) Operand {
	return Operand{Kind: OperandRange, Lo: lo, Hi: hi}
}

// MarshalJSON implements json.Marshaler.
func (o Operand) MarshalJSON() ([]byte, error) {
	switch o.Kind {
	case OperandNumber:
		return []byte(o.Number.String()), nil
	case OperandString:
		return json.Marshal(o.Str)
	case OperandBool:
		return json.Marshal(o.Bool)
	case OperandRange:
		return []byte("[" + o.Lo.String() + "," + o.Hi.String() + "]"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Operand) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return fmt.Errorf("operand %q: %w", x, err)
		}
		*o = NumberOperand(d)
	case string:
		*o = StringOperand(x)
	case bool:
		*o = BoolOperand(x)
	case []any:
		if len(x) != 2 {
			return fmt.Errorf("range operand needs 2 elements, got %d", len(x))
		}
		var bounds [2]decimal.Decimal
		for i, e := range x {
			n, ok := e.(json.Number)
			if !ok {
				return fmt.Errorf("range operand element %d is not a number", i)
			}
			d, err := decimal.NewFromString(n.String())
			if err != nil {
				return fmt.Errorf("range operand element %d: %w", i, err)
			}
			bounds[i] = d
		}
		*o = RangeOperand(bounds[0], bounds[1])
	default:
		return fmt.Errorf("unsupported operand %T", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (o Operand) MarshalYAML() (any, error) {
	switch o.Kind {
	case OperandNumber:
		return o.Number.InexactFloat64(), nil
	case OperandString:
		return o.Str, nil
	case OperandBool:
		return o.Bool, nil
	case OperandRange:
		return []float64{o.Lo.InexactFloat64(), o.Hi.InexactFloat64()}, nil
	default:
		return nil, nil
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Operand) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int", "!!float":
			d, err := decimal.NewFromString(node.Value)
			if err != nil {
				return fmt.Errorf("line %d: operand %q: %w", node.Line, node.Value, err)
			}
			*o = NumberOperand(d)
		case "!!bool":
			var b bool
			if err := node.Decode(&b); err != nil {
				return err
			}
			*o = BoolOperand(b)
		default:
			*o = StringOperand(node.Value)
		}
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: range operand needs 2 elements, got %d", node.Line, len(node.Content))
		}
		var bounds [2]decimal.Decimal
		for i, n := range node.Content {
			d, err := decimal.NewFromString(n.Value)
			if err != nil {
				return fmt.Errorf("line %d: range operand element %d: %w", n.Line, i, err)
			}
			bounds[i] = d
		}
		*o = RangeOperand(bounds[0], bounds[1])
	default:
		return fmt.Errorf("line %d: unsupported operand", node.Line)
	}
	return nil
}

// Condition is a single trigger condition evaluated against a document field.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    Operand  `json:"value" yaml:"value"`
}
