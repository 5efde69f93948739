package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrAmountUnresolved is wrapped by every ResolveAmount failure.
var ErrAmountUnresolved = errors.New("amount could not be resolved")

// AmountSourceKind selects where an amount is read from.
type AmountSourceKind string

const (
	AmountFromContext AmountSourceKind = "context"
	AmountFromStep    AmountSourceKind = "step"
)

// Transaction-level amount fields.
const (
	FieldSourceAmount = "sourceAmount"
	FieldTargetAmount = "targetAmount"
)

// AmountSource describes an amount. For step sources Field is a gjson path into the
// recorded output of StepOrder.
type AmountSource struct {
	Kind      AmountSourceKind `json:"kind"`
	Field     string           `json:"field"`
	StepOrder int              `json:"step_order,omitempty"`
}

func (s AmountSource) String() string {
	if s.Kind == AmountFromStep {
		return fmt.Sprintf("step[%d].%s", s.StepOrder, s.Field)
	}
	return fmt.Sprintf("%s.%s", s.Kind, s.Field)
}

// ResolveAmount reads the configured source, or fallback when source is nil. It never
// substitutes a default: missing outputs, fields or non-numeric values are errors.
func ResolveAmount(rt *Runtime, source *AmountSource, fallback AmountSource) (decimal.Decimal, error) {
	src := fallback
	if source != nil {
		src = *source
	}

	switch src.Kind {
	case AmountFromContext:
		switch src.Field {
		case FieldSourceAmount:
			return rt.Transaction.SourceAmount, nil
		case FieldTargetAmount:
			return rt.Transaction.TargetAmount, nil
		default:
			return decimal.Zero, fmt.Errorf("%w: unknown context field %q", ErrAmountUnresolved, src.Field)
		}
	case AmountFromStep:
		output, ok := rt.StepOutput(src.StepOrder)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: step %d has no recorded output", ErrAmountUnresolved, src.StepOrder)
		}
		return amountFromOutput(output, src)
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown source kind %q", ErrAmountUnresolved, src.Kind)
	}
}

func amountFromOutput(output map[string]any, src AmountSource) (decimal.Decimal, error) {
	if strings.TrimSpace(src.Field) == "" {
		return decimal.Zero, fmt.Errorf("%w: %s names no field", ErrAmountUnresolved, src)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrAmountUnresolved, src, err)
	}

	value := gjson.GetBytes(raw, src.Field)
	if !value.Exists() {
		return decimal.Zero, fmt.Errorf("%w: %s is missing", ErrAmountUnresolved, src)
	}

	var text string
	switch value.Type {
	case gjson.Number:
		text = value.Raw
	case gjson.String:
		text = strings.TrimSpace(value.Str)
	default:
		return decimal.Zero, fmt.Errorf("%w: %s is not numeric", ErrAmountUnresolved, src)
	}

	switch strings.ToLower(strings.TrimLeft(text, "+-")) {
	case "nan", "inf", "infinity":
		return decimal.Zero, fmt.Errorf("%w: %s is not finite", ErrAmountUnresolved, src)
	}
	amount, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s is not numeric", ErrAmountUnresolved, src)
	}
	return amount, nil
}
