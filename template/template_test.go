package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialboost/fulfillment/domain"
)

func testContext() map[string]any {
	return map[string]any{
		"order": map[string]any{
			"id":           "ord-1",
			"order_number": "SM000042",
			"total":        299.5,
			"paid":         true,
			"notes":        nil,
		},
		"item": map[string]any{
			"quantity": float64(3),
			"tags":     []any{"a", "b", "c"},
		},
		"env": map[string]any{
			"API_KEY": "secret",
		},
	}
}

func TestRenderSingleTokenPreservesType(t *testing.T) {
	ctx := testContext()

	v, err := Render("{{ order.total }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 299.5, v)

	v, err = Render("{{ order.paid }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Render("{{ item.tags }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)

	v, err = Render("{{ order.notes }}", ctx)
	require.NoError(t, err)
	assert.Nil(t, v)

	// Surrounding whitespace still counts as a single token.
	v, err = Render("  {{ order.paid }}  ", ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRenderSingleTokenCoercesScalars(t *testing.T) {
	ctx := map[string]any{
		"a": "null",
		"b": "none",
		"c": "true",
		"d": "42",
		"e": "3.14",
		"f": "hello",
	}
	cases := []struct {
		expr string
		want any
	}{
		{"{{ a }}", nil},
		{"{{ b }}", nil},
		{"{{ c }}", true},
		{"{{ d }}", int64(42)},
		{"{{ e }}", 3.14},
		{"{{ f }}", "hello"},
	}
	for _, tc := range cases {
		v, err := Render(tc.expr, ctx)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, v, tc.expr)
	}
}

func TestRenderEmbeddedTokens(t *testing.T) {
	ctx := testContext()

	v, err := Render("order {{ order.order_number }} x{{ item.quantity }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "order SM000042 x3", v)

	// nil renders as empty string inside a larger string.
	v, err = Render("notes: [{{ order.notes }}]", ctx)
	require.NoError(t, err)
	assert.Equal(t, "notes: []", v)

	// Lists JSON-encode at the substitution site.
	v, err = Render("tags={{ item.tags }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, `tags=["a","b","c"]`, v)
}

func TestRenderListIndexAndStructFallback(t *testing.T) {
	type account struct {
		Handle string
	}
	ctx := map[string]any{
		"item":    map[string]any{"tags": []any{"x", "y"}},
		"account": account{Handle: "@grow"},
	}

	v, err := Render("{{ item.tags.1 }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	v, err = Render("{{ account.handle }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "@grow", v)
}

func TestRenderNestedStructures(t *testing.T) {
	ctx := testContext()
	in := map[string]any{
		"url": "https://api.test/{{ order.id }}",
		"headers": map[string]any{
			"X-Order-Number": "{{ order.order_number }}",
		},
		"body": map[string]any{
			"quantity": "{{ item.quantity }}",
			"static":   7.0,
			"nested":   []any{"{{ order.id }}", "literal"},
		},
	}
	out, err := Render(in, ctx)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "https://api.test/ord-1", m["url"])
	assert.Equal(t, map[string]any{"X-Order-Number": "SM000042"}, m["headers"])
	body := m["body"].(map[string]any)
	assert.Equal(t, float64(3), body["quantity"])
	assert.Equal(t, 7.0, body["static"])
	assert.Equal(t, []any{"ord-1", "literal"}, body["nested"])
}

func TestRenderMissingKey(t *testing.T) {
	_, err := Render("{{ order.missing }}", testContext())
	var te *domain.TemplateError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.MissingKey)
	assert.True(t, domain.IsKind(err, domain.KindTemplate))
}

func TestRenderRejectsPipes(t *testing.T) {
	_, err := Render("{{ order.id | upper }}", testContext())
	var te *domain.TemplateError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.MissingKey)
}

func TestParseOnceRenderMany(t *testing.T) {
	node, err := Parse("{{ order.order_number }}/{{ item.quantity }}")
	require.NoError(t, err)
	for range 3 {
		v, err := node.Render(testContext())
		require.NoError(t, err)
		assert.Equal(t, "SM000042/3", v)
	}
}
