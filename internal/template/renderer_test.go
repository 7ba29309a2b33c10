package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/sandbox"
)

func newRenderer() *Renderer {
	return New(sandbox.New(nil), sandbox.Options{TimeoutMs: 2000})
}

func testScope() Scope {
	return Scope{
		PR:    map[string]any{"title": "Fix login bug", "number": 42},
		Files: []any{"auth.go", "auth_test.go"},
		Outputs: map[string]Smart{
			"lint":  NewSmart(`{"status":"ok","count":3}`),
			"plain": NewSmart("just text"),
		},
		OutputsRaw: map[string]Smart{
			"items": NewSmart([]any{1.0, 2.0, 3.0}),
		},
		Env:  map[string]string{"CI": "true"},
		Args: map[string]any{"target": "main", "list": []any{"a", "b"}},
	}
}

func TestRender_DeclarativeLookup(t *testing.T) {
	r := newRenderer()

	out, err := r.Render("pr #{{pr.number}}: {{pr.title}} on {{args.target}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "pr #42: Fix login bug on main", out)
}

func TestRender_JSONSmartOutputs(t *testing.T) {
	r := newRenderer()

	// property access goes through the parsed view
	out, err := r.Render("status={{outputs.lint.status}} count={{outputs.lint.count}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "status=ok count=3", out)

	// whole-value coercion yields the raw text unchanged
	out, err = r.Render("{{outputs.lint}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok","count":3}`, out)

	// a non-JSON output renders as its own text
	out, err = r.Render("{{outputs.plain}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "just text", out)
}

func TestRender_ExpressionFallback(t *testing.T) {
	r := newRenderer()

	out, err := r.Render("{{ 2 + 3 }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "5", out)

	out, err = r.Render(`{{ env.CI == "true" ? "ci" : "local" }}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, "ci", out)
}

func TestRender_UnresolvedBecomesEmpty(t *testing.T) {
	r := newRenderer()

	out, err := r.Render("[{{outputs.missing.field}}]", testScope())
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestRender_ForLoop(t *testing.T) {
	r := newRenderer()

	out, err := r.Render("{% for item in args.list %}<{{item}}>{% endfor %}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "<a><b>", out)
}

func TestRender_ForLoopOverRawAggregate(t *testing.T) {
	r := newRenderer()

	out, err := r.Render("{% for n in outputs_raw.items %}{{n}} {% endfor %}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "1 2 3 ", out)
}

func TestRender_IfElse(t *testing.T) {
	r := newRenderer()

	out, err := r.Render(`{% if env.CI == "true" %}on ci{% else %}local{% endif %}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, "on ci", out)

	out, err = r.Render(`{% if env.CI == "false" %}on ci{% else %}local{% endif %}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, "local", out)
}

func TestRender_Idempotent(t *testing.T) {
	r := newRenderer()
	tmpl := "{{pr.title}} / {{outputs.lint.status}} / {{ 1 + 1 }}"

	first, err := r.Render(tmpl, testScope())
	require.NoError(t, err)
	second, err := r.Render(tmpl, testScope())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSmart_Accessors(t *testing.T) {
	s := NewSmart(`{"a":{"b":"deep"}}`)
	require.True(t, s.IsParsed())

	v, ok := s.Field("a.b")
	require.True(t, ok)
	assert.Equal(t, "deep", v)
	assert.Equal(t, `{"a":{"b":"deep"}}`, s.AsString())

	plain := NewSmart("no json here")
	assert.False(t, plain.IsParsed())
	assert.Nil(t, plain.AsParsed())
	assert.Equal(t, "no json here", plain.AsString())
}

func TestSmart_TrailingJSONInText(t *testing.T) {
	s := NewSmart("model says things\n{\"verdict\":\"pass\"}")
	require.True(t, s.IsParsed())
	v, ok := s.Field("verdict")
	require.True(t, ok)
	assert.Equal(t, "pass", v)
}
