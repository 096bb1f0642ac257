package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/weftlabs/weft/pkg/schema"
)

// LoopFrame binds a loop variable to the current (item, index) pair for one
// scatter iteration. Frames stack: inner frames shadow outer frames of the
// same name.
type LoopFrame struct {
	Name  string
	Item  any
	Index int
}

// Scope is a snapshot of the data a reference can resolve against: completed
// step outputs, the set of planned step IDs, workflow inputs, and the loop
// frame stack (outermost first).
type Scope struct {
	Steps  map[string]any  // step ID -> output data of completed steps
	Known  map[string]bool // every step ID in the plan
	Inputs map[string]any
	Frames []LoopFrame
}

// Resolver resolves {{step<id>.<path>}} references against a Scope.
// Resolution is idempotent: brackets are stripped if present, and values are
// never re-wrapped.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve evaluates a single reference expression. The expression may be
// bracketed ("{{step1.emails}}") or bare ("step1.emails").
//
// Head lookup order: loop frames innermost-first (the frame name or
// "<name>_index"), then completed step outputs, then workflow inputs.
// A head naming a planned-but-incomplete step is an UNRESOLVED_REFERENCE
// error; a path that does not exist in the resolved value is INVALID_PATH.
func (r *Resolver) Resolve(expr string, scope *Scope) (any, error) {
	inner := Unbracket(expr)
	if inner == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidPath, "empty reference expression")
	}

	tokens, err := TokenizePath(inner)
	if err != nil {
		return nil, err
	}
	if tokens[0].Kind != TokenField {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
			"reference %q must start with a step or variable name", expr)
	}

	head := tokens[0].Field
	rest := tokens[1:]

	root, err := r.resolveHead(head, expr, scope)
	if err != nil {
		return nil, err
	}
	return r.walk(root, rest, expr)
}

func (r *Resolver) resolveHead(head, expr string, scope *Scope) (any, error) {
	// Loop frames shadow everything; innermost wins.
	for i := len(scope.Frames) - 1; i >= 0; i-- {
		frame := scope.Frames[i]
		if head == frame.Name {
			return frame.Item, nil
		}
		if head == frame.Name+"_index" {
			return frame.Index, nil
		}
	}

	if out, ok := scope.Steps[head]; ok {
		return out, nil
	}
	if scope.Known[head] {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedRef,
			"step %q referenced by %q has not completed", head, expr).
			WithDetails(map[string]any{"expression": expr, "step": head})
	}
	if v, ok := scope.Inputs[head]; ok {
		return v, nil
	}

	available := make([]string, 0, len(scope.Steps))
	for id := range scope.Steps {
		available = append(available, id)
	}
	return nil, schema.NewErrorf(schema.ErrCodeUnresolvedRef,
		"unknown reference %q in %q; completed steps: [%s]", head, expr, strings.Join(sortStrings(available), ", ")).
		WithDetails(map[string]any{"expression": expr, "available_steps": available})
}

// walk navigates the resolved root by tokens. Field lookups on maps retry the
// pluralized name on a miss, so a singular scatter item-name resolves against
// a plural-keyed result shape. Wildcards fan out over array elements and
// flatten one level.
func (r *Resolver) walk(current any, tokens []PathToken, expr string) (any, error) {
	for i, tok := range tokens {
		switch tok.Kind {
		case TokenField:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
					"cannot access field %q in %q: value is %T, not an object", tok.Field, expr, current)
			}
			v, ok := m[tok.Field]
			if !ok {
				// Auto-pluralization: "email" against {"emails": [...]}.
				if pv, pok := m[tok.Field+"s"]; pok {
					v = pv
				} else {
					return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
						"field %q not found in %q; available: [%s]", tok.Field, expr, strings.Join(sortStrings(mapKeys(m)), ", "))
				}
			}
			current = v

		case TokenIndex:
			arr, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
					"cannot index into %q: value is %T, not an array", expr, current)
			}
			if tok.Index >= len(arr) {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
					"index %d out of range (len %d) in %q", tok.Index, len(arr), expr)
			}
			current = arr[tok.Index]

		case TokenWildcard:
			arr, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidPath,
					"wildcard in %q requires an array, got %T", expr, current)
			}
			rest := tokens[i+1:]
			flat := make([]any, 0, len(arr))
			for _, elem := range arr {
				v, err := r.walk(elem, rest, expr)
				if err != nil {
					return nil, err
				}
				if sub, isSlice := v.([]any); isSlice {
					flat = append(flat, sub...)
				} else {
					flat = append(flat, v)
				}
			}
			return flat, nil
		}
	}
	return current, nil
}

// ResolveValue resolves references recursively inside an arbitrary value.
// Whole-reference strings keep their native resolved type; template strings
// stringify resolved values into place; maps and slices recurse.
func (r *Resolver) ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		e := Parse(val)
		switch e.Kind {
		case Reference:
			return r.Resolve(e.Ref, scope)
		case Template:
			return r.ResolveTemplate(e.Raw, scope)
		default:
			return val, nil
		}

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			rv, err := r.ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			rv, err := r.ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil

	default:
		return v, nil
	}
}

// ResolveParams unmarshals raw step params and resolves all embedded references.
func (r *Resolver) ResolveParams(raw json.RawMessage, scope *Scope) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unmarshal step params: %s", err.Error()).WithCause(err)
	}
	resolved, err := r.ResolveValue(params, scope)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// ResolveTemplate replaces every {{...}} expression in s with the stringified
// resolved value. Nested {{ inside an expression is rejected.
func (r *Resolver) ResolveTemplate(s string, scope *Scope) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		rest := s[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInvalidPath, "unclosed {{ expression")
		}
		inner := strings.TrimSpace(rest[:end])
		if strings.Contains(inner, "{{") {
			return "", schema.NewError(schema.ErrCodeInvalidPath,
				"nested interpolation not allowed: {{...}} cannot contain {{")
		}
		val, err := r.Resolve(inner, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(val))
		s = rest[end+2:]
	}

	return b.String(), nil
}

// Stringify renders a resolved value for embedding into a template string.
// Strings embed verbatim; composite values JSON-encode.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// sortStrings sorts in place and returns the slice, keeping error messages
// deterministic.
func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}
