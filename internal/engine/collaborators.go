package engine

import "context"

// ActionResult is what a plugin action returns to the engine.
type ActionResult struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	UnitsUsed int64          `json:"units_used,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ActionExecutor runs plugin actions on behalf of the engine. Implementations
// own transport, auth, and plugin discovery; the engine only hands over
// resolved parameters and interprets the result.
type ActionExecutor interface {
	Execute(ctx context.Context, plugin, action string, params map[string]any) (*ActionResult, error)
}

// AIResult is what a model completion returns to the engine.
type AIResult struct {
	Text       string `json:"text,omitempty"`
	Structured any    `json:"structured,omitempty"`
	UnitsUsed  int64  `json:"units_used,omitempty"`
}

// AICompleter produces model completions for ai steps. The prompt arrives
// with all references already resolved.
type AICompleter interface {
	Complete(ctx context.Context, prompt string, params map[string]any) (*AIResult, error)
}
