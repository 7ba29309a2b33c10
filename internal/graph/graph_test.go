package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
)

func checks(deps map[string][]string) map[string]*domain.CheckSpec {
	out := make(map[string]*domain.CheckSpec, len(deps))
	for id, d := range deps {
		out[id] = &domain.CheckSpec{ID: id, DependsOn: d}
	}
	return out
}

func TestBuild_Waves(t *testing.T) {
	g, errs := Build(checks(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}))
	require.Empty(t, errs)
	require.NotNil(t, g)

	waves, err := g.Waves()
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"a"}, waves[0])
	assert.Equal(t, []string{"b", "c"}, waves[1])
	assert.Equal(t, []string{"d"}, waves[2])
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, errs := Build(checks(map[string][]string{
		"a": {"missing"},
	}))
	require.NotEmpty(t, errs)
	assert.Equal(t, "unknown_dependency", errs[0].Kind)
}

func TestBuild_CycleDetected(t *testing.T) {
	_, errs := Build(checks(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
	}))
	require.NotEmpty(t, errs)
	assert.Equal(t, "cycle", errs[0].Kind)
}

func TestDirectDependents(t *testing.T) {
	g, errs := Build(checks(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
	}))
	require.Empty(t, errs)
	assert.Equal(t, []string{"b", "c"}, g.DirectDependents("a"))
	assert.Empty(t, g.DirectDependents("b"))
}

func TestIsAncestor(t *testing.T) {
	g, errs := Build(checks(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
	}))
	require.Empty(t, errs)
	assert.True(t, g.IsAncestor("c", "a"))
	assert.True(t, g.IsAncestor("c", "b"))
	assert.False(t, g.IsAncestor("a", "c"))
}

func TestCriticalPath(t *testing.T) {
	g, errs := Build(checks(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"b"},
		"d": {"a"},
	}))
	require.Empty(t, errs)
	path, length := g.CriticalPath()
	assert.Equal(t, 3, length)
	assert.Equal(t, []string{"a", "b", "c"}, path)
}
