// Package diagram renders an execution plan as Mermaid or plain text, for the
// CLI's plan subcommand.
package diagram

import (
	"fmt"
	"sort"
	"strings"

	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/pkg/schema"
)

// Mermaid renders the plan as a Mermaid flowchart: one node per step, one
// edge per dependency, node shapes by step kind.
func Mermaid(plan *engine.Plan, title string) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", title)
	}

	for _, level := range plan.Levels {
		for _, stepID := range level {
			fmt.Fprintf(&b, "    %s\n", nodeDef(stepID, plan.Steps[stepID]))
		}
	}
	for _, stepID := range plan.Order {
		deps := append([]string(nil), plan.Deps[stepID]...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&b, "    %s --> %s\n", safeID(dep), safeID(stepID))
		}
	}
	return b.String()
}

// ASCII renders the plan level by level, dependencies in parentheses.
func ASCII(plan *engine.Plan) string {
	var b strings.Builder
	for i, level := range plan.Levels {
		fmt.Fprintf(&b, "level %d:\n", i)
		for _, stepID := range level {
			step := plan.Steps[stepID]
			if deps := plan.Deps[stepID]; len(deps) > 0 {
				fmt.Fprintf(&b, "  %s [%s] (after %s)\n", stepID, step.Kind, strings.Join(deps, ", "))
			} else {
				fmt.Fprintf(&b, "  %s [%s]\n", stepID, step.Kind)
			}
		}
	}
	return b.String()
}

// nodeDef picks a Mermaid node shape per step kind: decisions are diamonds,
// loops are double brackets, transforms are rounded.
func nodeDef(stepID string, step *schema.StepDefinition) string {
	id := safeID(stepID)
	label := stepID
	switch step.Kind {
	case schema.StepKindConditional:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case schema.StepKindLoop:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case schema.StepKindTransform:
		return fmt.Sprintf("%s(\"%s\")", id, label)
	case schema.StepKindAI:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// safeID strips characters Mermaid cannot digest in node identifiers.
func safeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
