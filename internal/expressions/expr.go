package expressions

import "strings"

// ExprKind discriminates the parsed shape of a step parameter value.
type ExprKind int

const (
	// Literal is a plain value with no references.
	Literal ExprKind = iota
	// Reference is a single {{...}} expression occupying the whole value;
	// it resolves to the referenced value with its native type.
	Reference
	// Template is a string mixing literal text and {{...}} expressions;
	// resolved values are stringified into place.
	Template
)

// Expr is the tagged union a raw parameter value parses into. Parameters are
// parsed once per execution; dispatch never re-scans strings ad hoc.
type Expr struct {
	Kind ExprKind
	Lit  any    // Literal
	Ref  string // Reference: inner expression, brackets stripped
	Raw  string // Template: original string
}

// Parse classifies a raw value into Literal, Reference, or Template.
func Parse(v any) Expr {
	s, ok := v.(string)
	if !ok {
		return Expr{Kind: Literal, Lit: v}
	}
	trimmed := strings.TrimSpace(s)
	if inner, whole := wholeReference(trimmed); whole {
		return Expr{Kind: Reference, Ref: inner}
	}
	if strings.Contains(s, "{{") {
		return Expr{Kind: Template, Raw: s}
	}
	return Expr{Kind: Literal, Lit: v}
}

// wholeReference reports whether s is exactly one {{...}} expression and
// returns its trimmed inner content.
func wholeReference(s string) (string, bool) {
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	// A second opener means mixed content, not a single reference.
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// Bracket wraps an expression in {{ }} delimiters. Idempotent: an
// already-bracketed expression is returned unchanged, never re-wrapped.
func Bracket(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if _, whole := wholeReference(trimmed); whole {
		return trimmed
	}
	return "{{" + trimmed + "}}"
}

// Unbracket strips one layer of {{ }} delimiters if present.
func Unbracket(expr string) string {
	trimmed := strings.TrimSpace(expr)
	if inner, whole := wholeReference(trimmed); whole {
		return inner
	}
	return trimmed
}

// HasReference reports whether s contains any {{...}} expression.
func HasReference(s string) bool {
	return strings.Contains(s, "{{")
}

// ExtractRefHeads returns the head segment (the step ID or variable name
// before the first dot or bracket) of every {{...}} reference in s. Used by
// the planner to infer dependency edges from parameter expressions.
func ExtractRefHeads(s string) []string {
	var heads []string
	seen := make(map[string]bool)
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			break
		}
		rest := s[start+2:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			break
		}
		expr := strings.TrimSpace(rest[:end])
		if head := refHead(expr); head != "" && !seen[head] {
			seen[head] = true
			heads = append(heads, head)
		}
		s = rest[end+2:]
	}
	return heads
}

func refHead(expr string) string {
	end := len(expr)
	if i := strings.IndexAny(expr, ".["); i != -1 {
		end = i
	}
	return strings.TrimSpace(expr[:end])
}
