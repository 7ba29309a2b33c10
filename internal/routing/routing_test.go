package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/graph"
	"github.com/visor-run/visor/internal/sandbox"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, errs := graph.Build(map[string]*domain.CheckSpec{
		"lint":      {ID: "lint"},
		"fix":       {ID: "fix", DependsOn: []string{"lint"}},
		"summarize": {ID: "summarize", DependsOn: []string{"fix"}},
	})
	require.Empty(t, errs)
	return g
}

func newEngine(t *testing.T, maxLoops int) *Engine {
	t.Helper()
	return New(sandbox.New(nil), testGraph(t), domain.Routing{MaxLoops: maxLoops}, 2000)
}

func TestEvalFailIf_StepOverridesGlobal(t *testing.T) {
	e := newEngine(t, 5)
	spec := &domain.CheckSpec{ID: "lint", FailIf: "count > 2"}

	issue, err := e.EvalFailIf(spec, "count > 100", sandbox.Scope{"count": 3})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, "lint/"+domain.RuleSuffixFailIf, issue.RuleID)

	issue, err = e.EvalFailIf(spec, "count > 100", sandbox.Scope{"count": 1})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestEvalAssumeAndGuarantee(t *testing.T) {
	e := newEngine(t, 5)
	spec := &domain.CheckSpec{ID: "lint", Assume: "ready == true", Guarantee: "done == true"}

	issue, err := e.EvalAssume(spec, sandbox.Scope{"ready": false})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Contains(t, issue.RuleID, "assume_violated")

	issue, err = e.EvalGuarantee(spec, sandbox.Scope{"done": true})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestRoute_StaticGoto(t *testing.T) {
	e := newEngine(t, 5)
	route := &domain.Route{Goto: "lint"}
	decision, issue, err := e.Route("summarize", route, false, domain.RootScope, sandbox.Scope{}, 0)
	require.NoError(t, err)
	require.Nil(t, issue)
	assert.Equal(t, DecisionGoto, decision.Kind)
	assert.Equal(t, "lint", decision.Target)
}

func TestRoute_UnknownGotoTarget(t *testing.T) {
	e := newEngine(t, 5)
	route := &domain.Route{Goto: "does-not-exist"}
	_, _, err := e.Route("summarize", route, false, domain.RootScope, sandbox.Scope{}, 0)
	require.Error(t, err)
	re, ok := err.(*domainerrors.RoutingError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.InvalidGotoTarget, re.Kind)
}

func TestRoute_Retry(t *testing.T) {
	e := newEngine(t, 5)
	route := &domain.Route{Retry: &domain.RetrySpec{MaxAttempts: 2, Backoff: "linear"}}

	decision, issue, err := e.Route("lint", route, false, domain.RootScope, sandbox.Scope{}, 0)
	require.NoError(t, err)
	require.Nil(t, issue)
	assert.Equal(t, DecisionRetry, decision.Kind)
	assert.Equal(t, 1, decision.Attempt)

	// attempt already equals MaxAttempts: retry is exhausted, falls through to none.
	decision, _, err = e.Route("lint", route, false, domain.RootScope, sandbox.Scope{}, 2)
	require.NoError(t, err)
	assert.Equal(t, DecisionNone, decision.Kind)
}

func TestRoute_LoopBudgetExceeded(t *testing.T) {
	e := newEngine(t, 2)
	route := &domain.Route{Goto: "lint"}

	for i := 0; i < 2; i++ {
		decision, issue, err := e.Route("summarize", route, false, domain.RootScope, sandbox.Scope{}, 0)
		require.NoError(t, err)
		require.Nil(t, issue)
		assert.Equal(t, DecisionGoto, decision.Kind)
	}

	_, issue, err := e.Route("summarize", route, false, domain.RootScope, sandbox.Scope{}, 0)
	require.Error(t, err)
	require.NotNil(t, issue)
	re, ok := err.(*domainerrors.RoutingError)
	require.True(t, ok)
	assert.Equal(t, domainerrors.RoutingBudgetExceeded, re.Kind)
}

func TestRoute_OneShotDedupe(t *testing.T) {
	e := newEngine(t, 5)
	route := &domain.Route{Goto: "lint"}

	decision, _, err := e.Route("summarize", route, true, domain.RootScope, sandbox.Scope{}, 0)
	require.NoError(t, err)
	assert.Equal(t, DecisionGoto, decision.Kind)

	decision, _, err = e.Route("summarize", route, true, domain.RootScope, sandbox.Scope{}, 0)
	require.NoError(t, err)
	assert.Equal(t, DecisionNone, decision.Kind)
	assert.Contains(t, decision.Reason, "one_shot")
}

func TestRoute_RunItems(t *testing.T) {
	e := newEngine(t, 5)
	route := &domain.Route{Run: []domain.RunItem{{ID: "fix"}}}

	decision, issue, err := e.Route("lint", route, false, domain.RootScope, sandbox.Scope{}, 0)
	require.NoError(t, err)
	require.Nil(t, issue)
	assert.Equal(t, DecisionRun, decision.Kind)
	require.Len(t, decision.RunItems, 1)
	assert.Equal(t, "fix", decision.RunItems[0].ID)
}

func TestRoute_GotoJS(t *testing.T) {
	e := newEngine(t, 5)
	route := &domain.Route{GotoJS: `"lint"`}

	decision, _, err := e.Route("summarize", route, false, domain.RootScope, sandbox.Scope{}, 0)
	require.NoError(t, err)
	assert.Equal(t, DecisionGoto, decision.Kind)
	assert.Equal(t, "lint", decision.Target)
}
