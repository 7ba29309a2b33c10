package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/visor-run/visor/internal/domain/errors"
)

func opts() Options { return Options{TimeoutMs: 2000} }

func TestEvalBool_SimpleExpression(t *testing.T) {
	sb := New(nil)

	ok, err := sb.EvalBool("count > 2", Scope{"count": 3}, opts())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sb.EvalBool("count > 2", Scope{"count": 1}, opts())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalBool_NonBoolResult(t *testing.T) {
	sb := New(nil)

	_, err := sb.EvalBool("1 + 1", Scope{}, opts())
	require.Error(t, err)
	pe, ok := err.(*domainerrors.PredicateError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.PredicateErrorRuntime, pe.Kind)
}

func TestEvalExpr_SyntaxError(t *testing.T) {
	sb := New(nil)

	_, err := sb.EvalExpr("((", Scope{}, opts())
	require.Error(t, err)
	pe, ok := err.(*domainerrors.PredicateError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.PredicateErrorSyntax, pe.Kind)
}

func TestEvalExpr_UndefinedVariableIsNil(t *testing.T) {
	sb := New(nil)

	// AllowUndefinedVariables: an unknown name evaluates to nil, it is
	// not a compile error; callers treat nil as "unresolved".
	v, err := sb.EvalExpr("no_such_variable", Scope{}, opts())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestBuiltins_Strings(t *testing.T) {
	sb := New(nil)

	for expr, want := range map[string]bool{
		`contains("abcdef", "cde")`:   true,
		`startsWith("abcdef", "abc")`: true,
		`endsWith("abcdef", "def")`:   true,
		`startsWith("abcdef", "def")`: false,
		`length("abc") == 3`:          true,
	} {
		ok, err := sb.EvalBool(expr, Scope{}, opts())
		require.NoError(t, err, expr)
		assert.Equal(t, want, ok, expr)
	}
}

func issuesScope() Scope {
	return Scope{
		"issues": []any{
			map[string]any{"ruleId": "lint/no-eval", "severity": "error", "file": "a.js"},
			map[string]any{"ruleId": "style/semi", "severity": "warning", "file": "b.js"},
		},
		"files": []any{"src/a.js", "docs/readme.md"},
		"files_content": map[string]any{
			"src/a.js": "eval(userInput)",
		},
	}
}

func TestBuiltins_Issues(t *testing.T) {
	sb := New(nil)

	for expr, want := range map[string]bool{
		`hasIssue("lint/no-eval")`:               true,
		`hasIssue("nope")`:                       false,
		`countIssues("error") == 1`:              true,
		`countIssues("") == 2`:                   true,
		`hasIssueWith("severity", "warning")`:    true,
		`hasFileMatching("docs/")`:               true,
		`hasFileMatching("vendor/")`:             false,
		`hasFileWith("a.js", "eval(userInput)")`: true,
	} {
		ok, err := sb.EvalBool(expr, issuesScope(), opts())
		require.NoError(t, err, expr)
		assert.Equal(t, want, ok, expr)
	}
}

func TestBuiltins_Permissions(t *testing.T) {
	sb := New(nil)
	scope := Scope{"pr": map[string]any{"permission": "write", "isOwner": true}}

	for expr, want := range map[string]bool{
		`hasMinPermission("read")`:  true,
		`hasMinPermission("admin")`: false,
		`isOwner()`:                 true,
		`isMember()`:                false,
	} {
		ok, err := sb.EvalBool(expr, scope, opts())
		require.NoError(t, err, expr)
		assert.Equal(t, want, ok, expr)
	}
}

func TestBuiltins_SuccessFailure(t *testing.T) {
	sb := New(nil)

	ok, err := sb.EvalBool("success()", Scope{"fatal": false}, opts())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sb.EvalBool("failure()", Scope{"fatal": true}, opts())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sb.EvalBool("always()", Scope{}, opts())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunScript_BareExpression(t *testing.T) {
	sb := New(nil)

	v, err := sb.RunScript(`"next-check"`, Scope{}, opts())
	require.NoError(t, err)
	assert.Equal(t, "next-check", v)
}

func TestRunScript_NullStopsRouting(t *testing.T) {
	sb := New(nil)

	v, err := sb.RunScript("null", Scope{}, opts())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRunScript_StatementsAndScope(t *testing.T) {
	sb := New(nil)

	v, err := sb.RunScript(
		`var n = attempts; if (n < 2) { return "again"; } return null;`,
		Scope{"attempts": 1}, opts(),
	)
	require.NoError(t, err)
	assert.Equal(t, "again", v)
}

func TestRunScript_ObjectExportsAsPlainData(t *testing.T) {
	sb := New(nil)

	v, err := sb.RunScript(`return [{step: "fix", as: "fixed"}];`, Scope{}, opts())
	require.NoError(t, err)
	arr, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, arr, 1)
	item, ok := arr[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fix", item["step"])
	assert.Equal(t, "fixed", item["as"])
}

func TestRunScript_SyntaxError(t *testing.T) {
	sb := New(nil)

	_, err := sb.RunScript("function (", Scope{}, opts())
	require.Error(t, err)
	pe, ok := err.(*domainerrors.PredicateError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.PredicateErrorSyntax, pe.Kind)
}

func TestRunScript_Timeout(t *testing.T) {
	sb := New(nil)

	_, err := sb.RunScript("while (true) {}", Scope{}, Options{TimeoutMs: 100})
	require.Error(t, err)
	pe, ok := err.(*domainerrors.PredicateError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.PredicateErrorTimeout, pe.Kind)
}
