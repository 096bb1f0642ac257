package engine

import (
	"context"
	"fmt"

	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/pkg/schema"
)

// Transformer evaluates transform steps: pure data operations over a resolved
// collection.
type Transformer struct {
	resolver *expressions.Resolver
	exprs    *expressions.ExprEngine
	jq       *expressions.GoJQEngine
}

func NewTransformer(resolver *expressions.Resolver, exprs *expressions.ExprEngine, jq *expressions.GoJQEngine) *Transformer {
	return &Transformer{resolver: resolver, exprs: exprs, jq: jq}
}

// Apply resolves the transform's input and runs the operation. Every
// operation except jq requires the resolved input to be an array; anything
// else is a structural error naming the step and the shape it got.
func (t *Transformer) Apply(ctx context.Context, step *schema.StepDefinition, scope *expressions.Scope) (any, error) {
	spec := step.Transform
	input, err := t.resolver.Resolve(spec.Input, scope)
	if err != nil {
		return nil, err
	}

	if spec.Op == schema.TransformJQ {
		return t.jq.Evaluate(ctx, spec.Expression, input)
	}

	items, err := asArray(input, step.ID, spec.Input)
	if err != nil {
		return nil, err
	}

	switch spec.Op {
	case schema.TransformMap:
		return t.mapOp(items, spec.Expression, step.ID)
	case schema.TransformFilter:
		return t.filterOp(items, spec.Expression, step.ID)
	case schema.TransformJoin:
		return t.joinOp(items, spec, scope, step.ID)
	case schema.TransformGroup:
		return t.groupOp(items, spec.Key, step.ID)
	case schema.TransformFlatten:
		return flattenOp(items), nil
	case schema.TransformDedupe:
		return dedupeOp(items, spec.Key)
	case schema.TransformAggregate:
		return t.aggregateOp(items, spec, step.ID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown transform op %q", spec.Op).WithStep(step.ID)
	}
}

func (t *Transformer) mapOp(items []any, expression string, stepID string) (any, error) {
	out := make([]any, 0, len(items))
	for i, item := range items {
		v, err := t.exprs.Evaluate(expression, map[string]any{"item": item, "index": i})
		if err != nil {
			return nil, wrapItemError(err, stepID, i)
		}
		out = append(out, v)
	}
	return out, nil
}

func (t *Transformer) filterOp(items []any, expression string, stepID string) (any, error) {
	out := make([]any, 0, len(items))
	for i, item := range items {
		v, err := t.exprs.Evaluate(expression, map[string]any{"item": item, "index": i})
		if err != nil {
			return nil, wrapItemError(err, stepID, i)
		}
		keep, ok := v.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructuralType,
				"filter predicate returned %T, expected bool", v).WithStep(stepID)
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

// joinOp performs an inner join of items against a second collection on the
// configured key paths. Matching pairs merge with the right side's fields
// taking precedence on conflict.
func (t *Transformer) joinOp(items []any, spec *schema.TransformSpec, scope *expressions.Scope, stepID string) (any, error) {
	if spec.With == "" || spec.Key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"join requires key and with").WithStep(stepID)
	}
	withKey := spec.WithKey
	if withKey == "" {
		withKey = spec.Key
	}

	withVal, err := t.resolver.Resolve(spec.With, scope)
	if err != nil {
		return nil, err
	}
	withItems, err := asArray(withVal, stepID, spec.With)
	if err != nil {
		return nil, err
	}

	index := make(map[string][]map[string]any, len(withItems))
	for _, w := range withItems {
		obj, ok := w.(map[string]any)
		if !ok {
			continue
		}
		k, ok := itemKey(obj, withKey)
		if !ok {
			continue
		}
		index[k] = append(index[k], obj)
	}

	var out []any
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		k, ok := itemKey(obj, spec.Key)
		if !ok {
			continue
		}
		for _, match := range index[k] {
			merged := make(map[string]any, len(obj)+len(match))
			for key, v := range obj {
				merged[key] = v
			}
			for key, v := range match {
				merged[key] = v
			}
			out = append(out, merged)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func (t *Transformer) groupOp(items []any, key string, stepID string) (any, error) {
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"group requires a key").WithStep(stepID)
	}
	groups := make(map[string]any)
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructuralType,
				"group expects object items, got %T", item).WithStep(stepID)
		}
		k, ok := itemKey(obj, key)
		if !ok {
			continue
		}
		bucket, _ := groups[k].([]any)
		groups[k] = append(bucket, item)
	}
	return groups, nil
}

func flattenOp(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out
}

// dedupeOp keeps the first occurrence per key, or per whole-value identity
// when no key is given.
func dedupeOp(items []any, key string) (any, error) {
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		var k string
		if key != "" {
			obj, ok := item.(map[string]any)
			if !ok {
				out = append(out, item)
				continue
			}
			ik, ok := itemKey(obj, key)
			if !ok {
				out = append(out, item)
				continue
			}
			k = ik
		} else {
			k = expressions.Stringify(item)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, item)
	}
	return out, nil
}

func (t *Transformer) aggregateOp(items []any, spec *schema.TransformSpec, stepID string) (any, error) {
	if spec.Func == "count" && spec.Expression == "" && spec.Key == "" {
		return len(items), nil
	}

	values := make([]float64, 0, len(items))
	for i, item := range items {
		var raw any = item
		if spec.Expression != "" {
			v, err := t.exprs.Evaluate(spec.Expression, map[string]any{"item": item, "index": i})
			if err != nil {
				return nil, wrapItemError(err, stepID, i)
			}
			raw = v
		} else if spec.Key != "" {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeStructuralType,
					"aggregate expects object items when key is set, got %T", item).WithStep(stepID)
			}
			raw = lookupPath(obj, spec.Key)
		}
		f, ok := toNumber(raw)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStructuralType,
				"aggregate value at index %d is %T, expected number", i, raw).WithStep(stepID)
		}
		values = append(values, f)
	}

	switch spec.Func {
	case "count":
		return len(values), nil
	case "sum", "":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case "avg":
		if len(values) == 0 {
			return 0.0, nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case "min":
		if len(values) == 0 {
			return nil, nil
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case "max":
		if len(values) == 0 {
			return nil, nil
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown aggregate func %q", spec.Func).WithStep(stepID)
	}
}

// asArray coerces a resolved value to []any. Collaborator results often wrap
// their collection as {"data": [...]}; a single-key wrapper around an array
// unwraps. Anything else is a structural error.
func asArray(v any, stepID, sourceExpr string) ([]any, error) {
	switch typed := v.(type) {
	case []any:
		return typed, nil
	case map[string]any:
		if data, ok := typed["data"].([]any); ok {
			return data, nil
		}
		if len(typed) == 1 {
			for _, inner := range typed {
				if arr, ok := inner.([]any); ok {
					return arr, nil
				}
			}
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeStructuralType,
		"%s resolved to %T, expected an array", sourceExpr, v).
		WithStep(stepID).
		WithDetails(map[string]any{"expected": "array", "got": fmt.Sprintf("%T", v)})
}

// itemKey resolves a dotted key path inside one item and stringifies it.
func itemKey(obj map[string]any, key string) (string, bool) {
	v := lookupPath(obj, key)
	if v == nil {
		return "", false
	}
	return expressions.Stringify(v), true
}

func lookupPath(obj map[string]any, path string) any {
	tokens, err := expressions.TokenizePath(path)
	if err != nil {
		return nil
	}
	var current any = obj
	for _, tok := range tokens {
		switch tok.Kind {
		case expressions.TokenField:
			m, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			current = m[tok.Field]
		case expressions.TokenIndex:
			arr, ok := current.([]any)
			if !ok || tok.Index < 0 || tok.Index >= len(arr) {
				return nil
			}
			current = arr[tok.Index]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func wrapItemError(err error, stepID string, index int) error {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.WithStep(stepID)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed,
		"transform failed at index %d: %s", index, err.Error()).
		WithStep(stepID).WithCause(err)
}
