package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

func newConditionEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	celEngine, err := NewCELEngine()
	require.NoError(t, err)
	return NewConditionEvaluator(NewResolver(), celEngine)
}

func conditionScope() *Scope {
	return &Scope{
		Steps: map[string]any{
			"fetch": map[string]any{
				"status": "ok",
				"count":  float64(7),
				"tags":   []any{"urgent", "billing"},
				"meta":   map[string]any{"source": "imap"},
			},
		},
		Known:  map[string]bool{"fetch": true},
		Inputs: map[string]any{"threshold": float64(5)},
	}
}

func TestStructuredOperators(t *testing.T) {
	ce := newConditionEvaluator(t)
	ctx := context.Background()
	scope := conditionScope()

	tests := []struct {
		name string
		cond schema.ConditionSpec
		want bool
	}{
		{"equals", schema.ConditionSpec{Field: "fetch.status", Operator: schema.OpEquals, Value: "ok"}, true},
		{"equals numeric cross-type", schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpEquals, Value: 7}, true},
		{"not_equals", schema.ConditionSpec{Field: "fetch.status", Operator: schema.OpNotEquals, Value: "error"}, true},
		{"contains array", schema.ConditionSpec{Field: "fetch.tags", Operator: schema.OpContains, Value: "urgent"}, true},
		{"contains string", schema.ConditionSpec{Field: "fetch.status", Operator: schema.OpContains, Value: "o"}, true},
		{"contains object key", schema.ConditionSpec{Field: "fetch.meta", Operator: schema.OpContains, Value: "source"}, true},
		{"gt", schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpGreaterThan, Value: 5}, true},
		{"gte equal", schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpGreaterEq, Value: 7}, true},
		{"lt false", schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpLessThan, Value: 7}, false},
		{"lte", schema.ConditionSpec{Field: "fetch.count", Operator: schema.OpLessEq, Value: 7}, true},
		{"is_not_null", schema.ConditionSpec{Field: "fetch.status", Operator: schema.OpIsNotNull}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ce.Evaluate(ctx, &tt.cond, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNullChecksTolerateDeadEndPaths(t *testing.T) {
	ce := newConditionEvaluator(t)
	ctx := context.Background()
	scope := conditionScope()

	// A path that dead-ends counts as null only for the null operators.
	got, err := ce.Evaluate(ctx, &schema.ConditionSpec{
		Field: "fetch.nonexistent", Operator: schema.OpIsNull,
	}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ce.Evaluate(ctx, &schema.ConditionSpec{
		Field: "fetch.nonexistent", Operator: schema.OpIsNotNull,
	}, scope)
	require.NoError(t, err)
	assert.False(t, got)

	// Any other operator surfaces the path error.
	_, err = ce.Evaluate(ctx, &schema.ConditionSpec{
		Field: "fetch.nonexistent", Operator: schema.OpEquals, Value: "x",
	}, scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))
}

func TestCELExpressionCondition(t *testing.T) {
	ce := newConditionEvaluator(t)
	ctx := context.Background()
	scope := conditionScope()

	got, err := ce.Evaluate(ctx, &schema.ConditionSpec{
		Expression: `steps.fetch.count > inputs.threshold`,
	}, scope)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ce.Evaluate(ctx, &schema.ConditionSpec{
		Expression: `steps.fetch.status == "error"`,
	}, scope)
	require.NoError(t, err)
	assert.False(t, got)

	// Non-boolean results are rejected.
	_, err = ce.Evaluate(ctx, &schema.ConditionSpec{
		Expression: `steps.fetch.count`,
	}, scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCELIterVariable(t *testing.T) {
	ce := newConditionEvaluator(t)
	ctx := context.Background()
	scope := conditionScope()
	scope.Frames = []LoopFrame{{Name: "msg", Item: map[string]any{"size": float64(99)}, Index: 2}}

	got, err := ce.Evaluate(ctx, &schema.ConditionSpec{
		Expression: `iter.item.size > 50 && iter.index == 2`,
	}, scope)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCELCompileErrorIsValidation(t *testing.T) {
	ce := newConditionEvaluator(t)
	_, err := ce.Evaluate(context.Background(), &schema.ConditionSpec{
		Expression: `steps.fetch.count >`,
	}, conditionScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
