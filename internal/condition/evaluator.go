// Package condition evaluates threshold trigger conditions against documents.
package condition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/ratify/model"
)

// operandKinds lists the operand kinds each operator accepts.
var operandKinds = map[model.Operator][]model.OperandKind{
	model.OpEquals:      {model.OperandNumber, model.OperandString, model.OperandBool},
	model.OpGreaterThan: {model.OperandNumber},
	model.OpLessThan:    {model.OperandNumber},
	model.OpBetween:     {model.OperandRange},
	model.OpContains:    {model.OperandString},
}

// Validate checks a condition without a document. It returns an
// INVALID_CONDITION error describing the first problem found.
func Validate(c model.Condition) error {
	if strings.TrimSpace(c.Field) == "" {
		return model.NewInvalidConditionError("condition field is required")
	}
	kinds, ok := operandKinds[c.Operator]
	if !ok {
		return model.NewInvalidConditionError(fmt.Sprintf("unknown operator %q", c.Operator))
	}
	accepted := false
	for _, k := range kinds {
		if c.Value.Kind == k {
			accepted = true
			break
		}
	}
	if !accepted {
		return model.NewInvalidConditionError(
			fmt.Sprintf("operator %q does not accept a %s operand", c.Operator, kindName(c.Value.Kind)),
		)
	}
	if c.Operator == model.OpBetween && c.Value.Lo.GreaterThan(c.Value.Hi) {
		return model.NewInvalidConditionError(
			fmt.Sprintf("between range is inverted: %s > %s", c.Value.Lo, c.Value.Hi),
		)
	}
	return nil
}

// Evaluate reports whether doc satisfies c. A field the document does not
// carry evaluates to false. A field whose declared kind does not fit the
// operator also evaluates to false. Only a malformed condition is an error.
func Evaluate(c model.Condition, doc model.Document) (bool, error) {
	if err := Validate(c); err != nil {
		return false, err
	}

	field, ok := doc.Field(c.Field)
	if !ok {
		return false, nil
	}

	switch c.Operator {
	case model.OpEquals:
		return equals(field, c.Value), nil
	case model.OpGreaterThan:
		n, ok := field.AsNumber()
		return ok && n.GreaterThan(c.Value.Number), nil
	case model.OpLessThan:
		n, ok := field.AsNumber()
		return ok && n.LessThan(c.Value.Number), nil
	case model.OpBetween:
		n, ok := field.AsNumber()
		return ok && n.GreaterThanOrEqual(c.Value.Lo) && n.LessThanOrEqual(c.Value.Hi), nil
	case model.OpContains:
		s, ok := field.AsString()
		return ok && strings.Contains(strings.ToLower(s), strings.ToLower(c.Value.Str)), nil
	}
	return false, nil
}

func equals(field model.FieldValue, op model.Operand) bool {
	switch op.Kind {
	case model.OperandNumber:
		n, ok := field.AsNumber()
		return ok && n.Equal(op.Number)
	case model.OperandString:
		s, ok := field.AsString()
		return ok && s == op.Str
	case model.OperandBool:
		b, ok := field.AsBool()
		return ok && b == op.Bool
	}
	return false
}

func kindName(k model.OperandKind) string {
	if k == "" {
		return "missing"
	}
	return string(k)
}
