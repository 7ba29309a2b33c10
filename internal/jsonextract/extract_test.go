package jsonextract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
)

func TestParse_WholeDocument(t *testing.T) {
	v, ok := Parse(`{"a":1}`)
	require.True(t, ok)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, m["a"])
}

func TestParse_TailFirst(t *testing.T) {
	v, ok := Parse("the model explained itself at length\n{\"verdict\":\"pass\"}")
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, "pass", m["verdict"])
}

func TestParse_Anywhere(t *testing.T) {
	v, ok := Parse(`prefix {"found":true} trailing prose`)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, true, m["found"])
}

func TestParse_PlainText(t *testing.T) {
	_, ok := Parse("nothing structured here")
	assert.False(t, ok)

	_, ok = Parse("")
	assert.False(t, ok)
}

func TestIssues_WrappedPayload(t *testing.T) {
	text := `analysis done
{"issues":[{"ruleId":"sec/eval","message":"eval used","severity":"error","category":"security"}],"output":{"score":7}}`

	issues, output := Issues(text)
	require.Len(t, issues, 1)
	assert.Equal(t, "sec/eval", issues[0].RuleID)
	assert.Equal(t, domain.SeverityError, issues[0].Severity)

	m, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 7.0, m["score"])
}

func TestIssues_BareArray(t *testing.T) {
	issues, output := Issues(`[{"ruleId":"a","message":"m","severity":"warning"}]`)
	require.Len(t, issues, 1)
	assert.Equal(t, "a", issues[0].RuleID)
	arr, ok := output.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 1)
}

func TestIssues_PlainTextFallsThrough(t *testing.T) {
	issues, output := Issues("  all clear  ")
	assert.Empty(t, issues)
	assert.Equal(t, "all clear", output)
}

func TestIssues_ObjectWithoutIssuesKey(t *testing.T) {
	issues, output := Issues(`{"summary":"fine"}`)
	assert.Empty(t, issues)
	m, ok := output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fine", m["summary"])
}
