package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/weftlabs/weft/pkg/schema"
)

// ConditionEvaluator evaluates branch conditions. The structured form
// (field, operator, value) resolves the field through the Resolver and applies
// the operator; the free-form alternative is a CEL expression over the scope.
type ConditionEvaluator struct {
	resolver *Resolver
	cel      *CELEngine
}

// NewConditionEvaluator creates a ConditionEvaluator. The CEL engine may be
// nil; free-form expressions then fail with a validation error.
func NewConditionEvaluator(resolver *Resolver, cel *CELEngine) *ConditionEvaluator {
	return &ConditionEvaluator{resolver: resolver, cel: cel}
}

// Evaluate resolves the condition against the scope and returns the verdict.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, cond *schema.ConditionSpec, scope *Scope) (bool, error) {
	if cond == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "condition is nil")
	}

	if cond.Expression != "" {
		if ce.cel == nil {
			return false, schema.NewError(schema.ErrCodeValidation,
				"condition uses a CEL expression but no CEL engine is configured")
		}
		result, err := ce.cel.Evaluate(ctx, cond.Expression, scope)
		if err != nil {
			return false, err
		}
		b, ok := result.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"condition expression %q must evaluate to bool, got %T", cond.Expression, result)
		}
		return b, nil
	}

	if cond.Field == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "condition has neither field nor expression")
	}

	fieldVal, err := ce.resolver.Resolve(cond.Field, scope)
	if err != nil {
		// A dead-end path counts as null for null checks; a reference to an
		// incomplete step is still an error.
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeInvalidPath &&
			(cond.Operator == schema.OpIsNull || cond.Operator == schema.OpIsNotNull) {
			fieldVal = nil
		} else {
			return false, err
		}
	}

	switch cond.Operator {
	case schema.OpEquals, "":
		return looseEqual(fieldVal, cond.Value), nil
	case schema.OpNotEquals:
		return !looseEqual(fieldVal, cond.Value), nil
	case schema.OpContains:
		return contains(fieldVal, cond.Value)
	case schema.OpIsNull:
		return fieldVal == nil, nil
	case schema.OpIsNotNull:
		return fieldVal != nil, nil
	case schema.OpGreaterThan, schema.OpGreaterEq, schema.OpLessThan, schema.OpLessEq:
		return compareNumeric(fieldVal, cond.Value, cond.Operator)
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", cond.Operator)
	}
}

// looseEqual compares after JSON normalization so that int/float64 and
// decoded/native shapes of the same value compare equal.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(aj) == string(bj)
}

// contains checks membership: substring for strings, element for arrays,
// key presence for objects.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, Stringify(needle)), nil
	case []any:
		for _, elem := range h {
			if looseEqual(elem, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"contains on an object requires a string key, got %T", needle)
		}
		_, present := h[key]
		return present, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"contains not supported on %T", haystack)
	}
}

func compareNumeric(a, b any, op string) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"operator %q requires numeric operands, got %T and %T", op, a, b)
	}
	switch op {
	case schema.OpGreaterThan:
		return af > bf, nil
	case schema.OpGreaterEq:
		return af >= bf, nil
	case schema.OpLessThan:
		return af < bf, nil
	default:
		return af <= bf, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
