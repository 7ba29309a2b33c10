// Package graph implements the Dependency Graph: build,
// cycle-check, and topologically group checks into execution waves.
package graph

import (
	"fmt"
	"sort"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
)

// Node is one check's position in the graph.
type Node struct {
	ID         string
	DependsOn  []string
	Dependents []string
	Depth      int
}

// Graph is the built, validated dependency graph for one Config.
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
}

// Build constructs a Graph from a Config's checks, validating unknown
// dependencies and cycles up front. It returns every problem found
// rather than the first one.
func Build(checks map[string]*domain.CheckSpec) (*Graph, domainerrors.ConfigErrors) {
	var errs domainerrors.ConfigErrors

	ids := make([]string, 0, len(checks))
	for id := range checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g := &Graph{nodes: make(map[string]*Node, len(checks)), order: ids}
	for _, id := range ids {
		g.nodes[id] = &Node{ID: id}
	}

	for _, id := range ids {
		spec := checks[id]
		for _, dep := range spec.DependsOn {
			depNode, ok := g.nodes[dep]
			if !ok {
				errs = append(errs, &domainerrors.ConfigError{
					Kind: "unknown_dependency", CheckID: id,
					Message: fmt.Sprintf("depends_on references unknown check %q", dep),
				})
				continue
			}
			g.nodes[id].DependsOn = append(g.nodes[id].DependsOn, dep)
			depNode.Dependents = append(depNode.Dependents, id)
		}
	}

	if cyc := g.findCycle(); cyc != nil {
		errs = append(errs, &domainerrors.ConfigError{
			Kind: "cycle", CheckID: cyc[0],
			Message: fmt.Sprintf("cycle detected: %v", cyc),
		})
	}

	if len(errs) > 0 {
		return nil, errs
	}

	g.computeDepths()
	return g, nil
}

// Node returns the node for id, if present.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// DirectDependents returns id's direct dependents only, used by the
// routing state machine's forward-running rule,
// which never traverses transitive dependents.
func (g *Graph) DirectDependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := append([]string{}, n.Dependents...)
	sort.Strings(out)
	return out
}

// IsAncestor reports whether candidate is an ancestor of id. The routing
// engine does not call it when it validates a `goto` target.
func (g *Graph) IsAncestor(id, candidate string) bool {
	visited := map[string]bool{}
	var walk func(string) bool
	walk = func(cur string) bool {
		if visited[cur] {
			return false
		}
		visited[cur] = true
		n, ok := g.nodes[cur]
		if !ok {
			return false
		}
		for _, dep := range n.DependsOn {
			if dep == candidate || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		if color[id] == black {
			return false
		}
		if color[id] == gray {
			for i, s := range stack {
				if s == id {
					found = append(append([]string{}, stack[i:]...), id)
					return true
				}
			}
			return true
		}
		color[id] = gray
		stack = append(stack, id)
		deps := append([]string{}, g.nodes[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := g.nodes[dep]; ok {
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white {
			if visit(id) {
				return found
			}
		}
	}
	return nil
}

func (g *Graph) computeDepths() {
	memo := make(map[string]int, len(g.nodes))
	var depthOf func(string) int
	depthOf = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		n := g.nodes[id]
		d := 0
		for _, dep := range n.DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		memo[id] = d
		return d
	}
	for _, id := range g.order {
		g.nodes[id].Depth = depthOf(id)
	}
}

// Waves groups every node into topological execution waves: wave i
// holds every node whose dependencies are all in waves < i. Acyclic
// input (guaranteed by Build) never produces an empty wave; if it did,
// that is an InternalError, not a user-facing one.
func (g *Graph) Waves() ([][]string, error) {
	remaining := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		remaining[id] = len(n.DependsOn)
	}

	var waves [][]string
	done := make(map[string]bool, len(g.nodes))
	for len(done) < len(g.nodes) {
		var wave []string
		for _, id := range g.order {
			if done[id] {
				continue
			}
			if remaining[id] == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, domainerrors.NewInternalError("empty execution wave on acyclic graph", nil)
		}
		sort.Strings(wave)
		waves = append(waves, wave)
		for _, id := range wave {
			done[id] = true
		}
		for _, id := range wave {
			for _, dep := range g.nodes[id].Dependents {
				remaining[dep]--
			}
		}
	}
	return waves, nil
}

// CriticalPath returns the longest dependency chain (by node count)
// ending at any sink node, and its length, a diagnostic the Run
// Controller surfaces alongside stats.
func (g *Graph) CriticalPath() ([]string, int) {
	var best []string
	var walk func(id string, path []string)
	walk = func(id string, path []string) {
		path = append(path, id)
		n := g.nodes[id]
		if len(n.Dependents) == 0 {
			if len(path) > len(best) {
				best = append([]string{}, path...)
			}
			return
		}
		for _, dep := range n.Dependents {
			walk(dep, path)
		}
	}
	roots := make([]string, 0)
	for _, id := range g.order {
		if len(g.nodes[id].DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	for _, r := range roots {
		walk(r, nil)
	}
	return best, len(best)
}

// PlanSummary renders a short human-readable description of the wave
// plan, used by the Run Controller's diagnostics output.
func (g *Graph) PlanSummary(waves [][]string) string {
	out := ""
	for i, w := range waves {
		out += fmt.Sprintf("wave %d: %v\n", i, w)
	}
	return out
}
