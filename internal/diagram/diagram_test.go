package diagram

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/pkg/schema"
)

func testPlan(t *testing.T) *engine.Plan {
	t.Helper()
	plan, err := engine.BuildPlan(&schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "fetch", Plugin: "mail", Action: "fetch"},
			{
				ID:        "guard",
				Condition: &schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpGreaterThan, Value: 0},
				Then: []schema.StepDefinition{
					{ID: "notify", Plugin: "chat", Action: "send"},
				},
			},
			{ID: "archive", Plugin: "mail", Action: "archive",
				Params: json.RawMessage(`{"ids": "{{fetch.ids}}"}`)},
		},
	})
	require.NoError(t, err)
	return plan
}

func TestMermaid(t *testing.T) {
	out := Mermaid(testPlan(t), "triage")

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% triage")
	assert.Contains(t, out, `fetch["fetch"]`)
	assert.Contains(t, out, `guard{"guard"}`) // conditional renders as a decision
	assert.Contains(t, out, "fetch --> guard")
	assert.Contains(t, out, "fetch --> archive")
}

func TestASCII(t *testing.T) {
	out := ASCII(testPlan(t))

	assert.Contains(t, out, "level 0:\n  fetch [action]")
	assert.Contains(t, out, "level 1:")
	assert.Contains(t, out, "guard [conditional] (after fetch)")
	assert.Contains(t, out, "archive [action] (after fetch)")
}

func TestSafeID(t *testing.T) {
	assert.Equal(t, "fanout_0__work", safeID("fanout[0].work"))
}
