package engine

import (
	"sort"

	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/pkg/schema"
)

// Plan is the executable form of a workflow definition: normalized steps,
// the resolved dependency edges, and the parallel execution levels.
type Plan struct {
	Steps  map[string]*schema.StepDefinition
	Deps   map[string][]string // step ID -> sorted dependency step IDs
	Levels [][]string          // level -> sorted step IDs runnable in parallel
	Order  []string            // topological order, level-major
}

// BuildPlan validates the definition, normalizes step kinds, infers
// dependencies from references, and computes parallel levels.
//
// A reference creates an edge only when its head names another step in the
// plan; references to inputs or loop variables are not dependencies, and a
// step's position in the list never is. On any validation or cycle error the
// returned plan is nil: there is no partial plan.
func BuildPlan(def *schema.WorkflowDefinition) (*Plan, error) {
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodePlanning, "workflow has no steps")
	}

	steps := make(map[string]*schema.StepDefinition, len(def.Steps))
	seen := make(map[string]bool)
	for i := range def.Steps {
		step := &def.Steps[i]
		if err := normalizeTree(step, i, seen); err != nil {
			return nil, err
		}
		steps[step.ID] = step
	}

	deps := make(map[string][]string, len(steps))
	for id, step := range steps {
		set := make(map[string]bool)
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodePlanning,
					"step %q depends on unknown step %q", id, dep).WithStep(id)
			}
			set[dep] = true
		}
		for _, head := range referencedHeads(step) {
			if head == id {
				continue
			}
			if _, ok := steps[head]; ok {
				set[head] = true
			}
		}
		sorted := make([]string, 0, len(set))
		for dep := range set {
			sorted = append(sorted, dep)
		}
		sort.Strings(sorted)
		deps[id] = sorted
	}

	levels, order, err := computeLevels(steps, deps)
	if err != nil {
		return nil, err
	}

	return &Plan{Steps: steps, Deps: deps, Levels: levels, Order: order}, nil
}

// computeLevels runs Kahn's algorithm, grouping steps by the longest
// dependency chain reaching them. Steps in one level have no edges between
// each other and may run in parallel.
func computeLevels(steps map[string]*schema.StepDefinition, deps map[string][]string) ([][]string, []string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for id := range steps {
		indegree[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var current []string
	for id, n := range indegree {
		if n == 0 {
			current = append(current, id)
		}
	}

	var levels [][]string
	var order []string
	visited := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		order = append(order, current...)
		visited += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if visited != len(steps) {
		var cycle []string
		for id, n := range indegree {
			if n > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, nil, schema.NewError(schema.ErrCodeCycleDetected,
			"workflow contains a dependency cycle").
			WithDetails(map[string]any{"steps": cycle})
	}
	return levels, order, nil
}

// normalizeTree normalizes and validates a step and every branch and scatter
// body step nested under it. Malformed nested steps and IDs duplicated
// anywhere in the tree are planning-time errors, not mid-execution surprises.
func normalizeTree(step *schema.StepDefinition, index int, seen map[string]bool) error {
	if step.ID == "" {
		return schema.NewErrorf(schema.ErrCodePlanning, "step at index %d has no id", index)
	}
	if seen[step.ID] {
		return schema.NewErrorf(schema.ErrCodePlanning, "duplicate step id %q", step.ID)
	}
	seen[step.ID] = true

	normalizeKind(step)
	if err := validateStep(step); err != nil {
		return err
	}

	for i := range step.Then {
		if err := normalizeTree(&step.Then[i], i, seen); err != nil {
			return err
		}
	}
	for i := range step.Else {
		if err := normalizeTree(&step.Else[i], i, seen); err != nil {
			return err
		}
	}
	if step.Scatter != nil {
		for i := range step.Scatter.Body {
			if err := normalizeTree(&step.Scatter.Body[i], i, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeKind fills in an empty kind from the populated step fields.
func normalizeKind(step *schema.StepDefinition) {
	if step.Kind != "" {
		return
	}
	switch {
	case step.Condition != nil:
		step.Kind = schema.StepKindConditional
	case step.Scatter != nil:
		step.Kind = schema.StepKindLoop
	case step.Transform != nil:
		step.Kind = schema.StepKindTransform
	case step.Prompt != "":
		step.Kind = schema.StepKindAI
	default:
		step.Kind = schema.StepKindAction
	}
}

func validateStep(step *schema.StepDefinition) error {
	switch step.Kind {
	case schema.StepKindAction:
		if step.Plugin == "" || step.Action == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"action step requires plugin and action").WithStep(step.ID)
		}
	case schema.StepKindAI:
		if step.Prompt == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"ai step requires a prompt").WithStep(step.ID)
		}
	case schema.StepKindConditional:
		if step.Condition == nil {
			return schema.NewError(schema.ErrCodeValidation,
				"conditional step requires a condition").WithStep(step.ID)
		}
		if step.Condition.Expression == "" && step.Condition.Operator == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"condition requires an operator or an expression").WithStep(step.ID)
		}
	case schema.StepKindLoop:
		if step.Scatter == nil {
			return schema.NewError(schema.ErrCodeValidation,
				"loop step requires a scatter spec").WithStep(step.ID)
		}
		if step.Scatter.Input == "" || step.Scatter.ItemName == "" || len(step.Scatter.Body) == 0 {
			return schema.NewError(schema.ErrCodeValidation,
				"scatter requires input, item_name, and a body").WithStep(step.ID)
		}
		if step.Scatter.Gather == schema.GatherReduce && step.Scatter.Reduce == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"reduce gather requires a reduce expression").WithStep(step.ID)
		}
	case schema.StepKindTransform:
		if step.Transform == nil {
			return schema.NewError(schema.ErrCodeValidation,
				"transform step requires a transform spec").WithStep(step.ID)
		}
		if step.Transform.Input == "" || step.Transform.Op == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"transform requires input and op").WithStep(step.ID)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step kind %q", step.Kind).WithStep(step.ID)
	}
	return nil
}

// referencedHeads collects every reference head a step's definition can
// resolve at runtime: params, prompt, condition field, scatter input,
// transform input and join source. Nested branch and body steps are scanned
// too, since their references must be satisfied before the parent runs.
func referencedHeads(step *schema.StepDefinition) []string {
	var heads []string
	if len(step.Params) > 0 {
		heads = append(heads, expressions.ExtractRefHeads(string(step.Params))...)
	}
	if step.Prompt != "" {
		heads = append(heads, expressions.ExtractRefHeads(step.Prompt)...)
	}
	if step.Condition != nil && step.Condition.Field != "" {
		heads = append(heads, expressions.ExtractRefHeads(expressions.Bracket(step.Condition.Field))...)
	}
	if step.Scatter != nil {
		heads = append(heads, expressions.ExtractRefHeads(expressions.Bracket(step.Scatter.Input))...)
		for i := range step.Scatter.Body {
			heads = append(heads, referencedHeads(&step.Scatter.Body[i])...)
		}
	}
	if step.Transform != nil {
		heads = append(heads, expressions.ExtractRefHeads(expressions.Bracket(step.Transform.Input))...)
		if step.Transform.With != "" {
			heads = append(heads, expressions.ExtractRefHeads(expressions.Bracket(step.Transform.With))...)
		}
	}
	for i := range step.Then {
		heads = append(heads, referencedHeads(&step.Then[i])...)
	}
	for i := range step.Else {
		heads = append(heads, referencedHeads(&step.Else[i])...)
	}
	return heads
}
