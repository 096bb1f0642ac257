package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/pkg/schema"
)

func testScope() *Scope {
	return &Scope{
		Steps: map[string]any{
			"step1": map[string]any{
				"emails": []any{
					map[string]any{"id": "m1", "subject": "hello", "tags": []any{"a", "b"}},
					map[string]any{"id": "m2", "subject": "world", "tags": []any{"c"}},
				},
				"count": float64(2),
			},
		},
		Known:  map[string]bool{"step1": true, "step2": true},
		Inputs: map[string]any{"region": "eu"},
	}
}

func TestResolveReference(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	v, err := r.Resolve("{{step1.count}}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = r.Resolve("step1.emails[1].id", scope)
	require.NoError(t, err)
	assert.Equal(t, "m2", v)

	v, err = r.Resolve("{{region}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "eu", v)
}

func TestResolveWildcardFlattensOneLevel(t *testing.T) {
	r := NewResolver()

	v, err := r.Resolve("{{step1.emails[*].id}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"m1", "m2"}, v)

	// Each element's tags is itself an array; one level flattens.
	v, err = r.Resolve("{{step1.emails[*].tags}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
}

func TestResolveAutoPluralization(t *testing.T) {
	r := NewResolver()

	// "email" misses, "emails" hits.
	v, err := r.Resolve("{{step1.email[0].id}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "m1", v)
}

func TestResolveIncompleteStepVsUnknown(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	_, err := r.Resolve("{{step2.result}}", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedRef, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "has not completed")

	_, err = r.Resolve("{{nonexistent.field}}", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeUnresolvedRef, schema.ErrorCode(err))
}

func TestResolveInvalidPath(t *testing.T) {
	r := NewResolver()
	scope := testScope()

	_, err := r.Resolve("{{step1.missing}}", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))

	_, err = r.Resolve("{{step1.emails[9].id}}", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))

	_, err = r.Resolve("{{step1.count.nested}}", scope)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))
}

func TestLoopFramesShadowInnermostFirst(t *testing.T) {
	r := NewResolver()
	scope := testScope()
	scope.Frames = []LoopFrame{
		{Name: "item", Item: map[string]any{"v": "outer"}, Index: 0},
		{Name: "item", Item: map[string]any{"v": "inner"}, Index: 3},
	}

	v, err := r.Resolve("{{item.v}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "inner", v)

	idx, err := r.Resolve("{{item_index}}", scope)
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
}

func TestLoopFrameShadowsStepOutput(t *testing.T) {
	r := NewResolver()
	scope := testScope()
	scope.Frames = []LoopFrame{{Name: "step1", Item: "shadowed", Index: 0}}

	v, err := r.Resolve("{{step1}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "shadowed", v)
}

func TestResolveTemplate(t *testing.T) {
	r := NewResolver()

	s, err := r.ResolveTemplate("found {{step1.count}} messages in {{region}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "found 2 messages in eu", s)

	// Composite values JSON-encode into place.
	s, err = r.ResolveTemplate("ids: {{step1.emails[*].id}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, `ids: ["m1","m2"]`, s)

	_, err = r.ResolveTemplate("broken {{step1.count", testScope())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))
}

func TestResolveParams(t *testing.T) {
	r := NewResolver()

	params, err := r.ResolveParams([]byte(`{
		"to": "{{step1.emails[0].id}}",
		"subject": "re: {{step1.emails[0].subject}}",
		"limit": 10,
		"nested": {"ids": "{{step1.emails[*].id}}"}
	}`), testScope())
	require.NoError(t, err)

	assert.Equal(t, "m1", params["to"])
	assert.Equal(t, "re: hello", params["subject"])
	assert.Equal(t, float64(10), params["limit"])
	nested := params["nested"].(map[string]any)
	assert.Equal(t, []any{"m1", "m2"}, nested["ids"])
}

func TestTokenizePathErrors(t *testing.T) {
	_, err := TokenizePath("a..b")
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))

	_, err = TokenizePath("a[1")
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))

	_, err = TokenizePath("a[-1]")
	assert.Equal(t, schema.ErrCodeInvalidPath, schema.ErrorCode(err))

	tokens, err := TokenizePath("emails[0].tags[*]")
	require.NoError(t, err)
	assert.Equal(t, []PathToken{
		{Kind: TokenField, Field: "emails"},
		{Kind: TokenIndex, Index: 0},
		{Kind: TokenField, Field: "tags"},
		{Kind: TokenWildcard},
	}, tokens)
}
