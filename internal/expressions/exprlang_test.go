package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

func TestExprEngineEvaluate(t *testing.T) {
	e := NewExprEngine()

	v, err := e.Evaluate(`item.price * 2`, map[string]any{
		"item": map[string]any{"price": 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	v, err = e.Evaluate(`acc + item`, map[string]any{"acc": 5, "item": 3})
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	// Optional chaining with nil coalescing against a missing field.
	v, err = e.Evaluate(`item?.missing ?? "fallback"`, map[string]any{
		"item": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestExprEngineCompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(`item +`, map[string]any{"item": 1})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestGoJQEngineEvaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	input := []any{
		map[string]any{"name": "a", "n": 1.0},
		map[string]any{"name": "b", "n": 2.0},
	}

	v, err := e.Evaluate(ctx, `map(.n) | add`, input)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	// Multiple outputs collect into a slice.
	v, err = e.Evaluate(ctx, `.[].name`, input)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	_, err = e.Evaluate(ctx, `.[ invalid`, input)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
