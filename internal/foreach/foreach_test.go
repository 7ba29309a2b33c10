package foreach

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
)

func TestExpandOutput(t *testing.T) {
	items, err := ExpandOutput([]any{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, items)

	items, err = ExpandOutput(`[{"id":1},{"id":2}]`)
	require.NoError(t, err)
	require.Len(t, items, 2)

	items, err = ExpandOutput(nil)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = ExpandOutput("not an array")
	assert.Error(t, err)

	_, err = ExpandOutput(map[string]any{"id": 1})
	assert.Error(t, err)
}

func TestBuildPlan_ChildScopes(t *testing.T) {
	plan := BuildPlan("fetch", domain.RootScope, []any{"x", "y"})
	require.Len(t, plan.Items, 2)
	assert.Equal(t, domain.Scope("root/fetch#0"), plan.Items[0].Scope)
	assert.Equal(t, domain.Scope("root/fetch#1"), plan.Items[1].Scope)
	assert.Equal(t, "x", plan.Items[0].Value)
	assert.Equal(t, 1, plan.Items[1].Index)
}

func TestFinishTracker_FiresOnceWhenAllSettle(t *testing.T) {
	tr := NewFinishTracker()
	tr.Register("fetch", domain.RootScope, []string{"proc@root/fetch#0", "proc@root/fetch#1"})

	assert.False(t, tr.Ready("fetch", domain.RootScope))

	tr.MarkDone("fetch", domain.RootScope, "proc@root/fetch#0")
	assert.False(t, tr.Ready("fetch", domain.RootScope))

	tr.MarkDone("fetch", domain.RootScope, "proc@root/fetch#1")
	assert.True(t, tr.Ready("fetch", domain.RootScope))

	assert.True(t, tr.MarkFired("fetch", domain.RootScope))
	assert.False(t, tr.MarkFired("fetch", domain.RootScope), "on_finish must fire at most once")
	assert.False(t, tr.Ready("fetch", domain.RootScope))
}

func TestFinishTracker_EmptyFanOutIsImmediatelyReady(t *testing.T) {
	tr := NewFinishTracker()
	tr.Register("fetch", domain.RootScope, nil)
	assert.True(t, tr.Ready("fetch", domain.RootScope))
}

func TestFinishTracker_ScopedPerParent(t *testing.T) {
	tr := NewFinishTracker()
	outer := domain.Scope(domain.RootScope)
	inner := outer.Child("outer", 0)

	tr.Register("fetch", outer, []string{"p@1"})
	tr.Register("fetch", inner, nil)

	assert.False(t, tr.Ready("fetch", outer))
	assert.True(t, tr.Ready("fetch", inner), "the same producer id at a nested scope tracks independently")
}

func TestJoinGate_WaitAll(t *testing.T) {
	g := NewJoinGate(domain.JoinWaitAll, 0, 3)
	assert.False(t, g.MarkCompleted())
	assert.False(t, g.MarkCompleted())
	assert.True(t, g.MarkCompleted())
	assert.True(t, g.Done())
	assert.False(t, g.MarkCompleted(), "a join triggers at most once")
}

func TestJoinGate_WaitAny(t *testing.T) {
	g := NewJoinGate(domain.JoinWaitAny, 0, 3)
	assert.False(t, g.Done())
	assert.True(t, g.MarkCompleted())
	assert.True(t, g.Done())
}

func TestJoinGate_WaitN(t *testing.T) {
	g := NewJoinGate(domain.JoinWaitN, 2, 5)
	assert.False(t, g.MarkCompleted())
	assert.True(t, g.MarkCompleted())
	assert.True(t, g.Done())
}
