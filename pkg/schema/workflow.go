package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format handed to the
// engine by the upstream planning stage. Steps form a DAG; dependencies may be
// explicit or inferred from {{step<id>...}} references in parameters.
type WorkflowDefinition struct {
	Name     string            `json:"name,omitempty"`
	Steps    []StepDefinition  `json:"steps"`
	Inputs   map[string]any    `json:"inputs,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"` // field -> {{stepId.path}} reference
	Timeout  string            `json:"timeout,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID        string          `json:"id"`
	Kind      StepKind        `json:"kind,omitempty"` // action, ai, conditional, loop, transform (default: action)
	DependsOn []string        `json:"depends_on,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"` // arbitrary JSON, {{...}} references allowed

	// Action steps.
	Plugin string `json:"plugin,omitempty"`
	Action string `json:"action,omitempty"`

	// AI steps. The prompt is a template; {{...}} references are resolved
	// against the execution context before it is sent to the collaborator.
	Prompt string `json:"prompt,omitempty"`

	// Conditional steps.
	Condition *ConditionSpec   `json:"condition,omitempty"`
	Then      []StepDefinition `json:"then,omitempty"`
	Else      []StepDefinition `json:"else,omitempty"`

	// Loop (scatter-gather) steps.
	Scatter *ScatterSpec `json:"scatter,omitempty"`

	// Transform steps.
	Transform *TransformSpec `json:"transform,omitempty"`

	// Resource accounting. The intent tag is opaque to the engine; it keys
	// the budget allocation lookup. EstimatedUnits of 0 means "use the
	// allocation's default estimate".
	IntentTag      string `json:"intent_tag,omitempty"`
	EstimatedUnits int64  `json:"estimated_units,omitempty"`

	// Failure handling.
	BestEffort bool         `json:"best_effort,omitempty"` // dependents skip instead of failing the execution
	Timeout    string       `json:"timeout,omitempty"`     // per-step timeout (e.g. "30s")
	Retry      *RetryPolicy `json:"retry,omitempty"`
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindAction      StepKind = "action"
	StepKindAI          StepKind = "ai"
	StepKindConditional StepKind = "conditional"
	StepKindLoop        StepKind = "loop"
	StepKindTransform   StepKind = "transform"
)

// ConditionSpec is a branch guard. Either the structured triple
// (field, operator, value) or a free-form CEL expression, not both.
type ConditionSpec struct {
	Field      string `json:"field,omitempty"` // {{...}} reference resolved before comparison
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"` // CEL, evaluated over steps/inputs/loop
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpIsNull      = "is_null"
	OpIsNotNull   = "is_not_null"
	OpGreaterThan = "gt"
	OpGreaterEq   = "gte"
	OpLessThan    = "lt"
	OpLessEq      = "lte"
)

// ScatterSpec configures a loop step: fan out over a collection, run the body
// per item, recombine via the gather strategy.
type ScatterSpec struct {
	Input               string           `json:"input"`               // {{...}} reference producing the collection
	ItemName            string           `json:"item_name"`           // loop variable bound per item
	MaxConcurrency      int              `json:"max_concurrency,omitempty"` // default 3
	Gather              string           `json:"gather,omitempty"`    // collect | flatten | reduce (default: collect)
	Reduce              string           `json:"reduce,omitempty"`    // expr combine: env {acc, item, index}
	ReduceInit          any              `json:"reduce_init,omitempty"`
	ContinueOnItemError bool             `json:"continue_on_item_error,omitempty"`
	Body                []StepDefinition `json:"body"`
}

// Gather strategies.
const (
	GatherCollect = "collect"
	GatherFlatten = "flatten"
	GatherReduce  = "reduce"
)

// TransformSpec configures a pure data operation over a resolved collection.
// The resolved input must be an array; a single object is a structural error.
type TransformSpec struct {
	Input      string `json:"input"`                // {{...}} reference producing the collection
	Op         string `json:"op"`                   // map, filter, join, group, flatten, dedupe, aggregate, jq
	Expression string `json:"expression,omitempty"` // per-item expr (map/filter/aggregate) or jq program
	Key        string `json:"key,omitempty"`        // group/dedupe/join key path within each item
	With       string `json:"with,omitempty"`       // join: reference to the second collection
	WithKey    string `json:"with_key,omitempty"`   // join: key path within second-collection items
	Func       string `json:"func,omitempty"`       // aggregate: sum, count, min, max, avg
}

// Transform operations.
const (
	TransformMap       = "map"
	TransformFilter    = "filter"
	TransformJoin      = "join"
	TransformGroup     = "group"
	TransformFlatten   = "flatten"
	TransformDedupe    = "dedupe"
	TransformAggregate = "aggregate"
	TransformJQ        = "jq"
)

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}
