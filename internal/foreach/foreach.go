// Package foreach implements the forEach Engine: fanning
// a forEach producer's array output into per-item scoped child
// executions, tracking when a producer's whole fan-out has settled so
// `on_finish` fires exactly once, and gating a dependent's per-item
// iterations by JoinStrategy. Child scopes use "root/<producer>#<index>" addressing.
package foreach

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/visor-run/visor/internal/domain"
)

// Item is one array element a forEach producer's output fanned out
// into, bound to its own child scope.
type Item struct {
	Index int
	Scope domain.Scope
	Value any
}

// Plan describes one producer's fan-out: its items and the direct
// dependents that must be re-queued once per item.
type Plan struct {
	Producer string
	Items    []Item
}

// ExpandOutput coerces a forEach producer's output into a slice: the
// produced output must be an array, or a JSON string parseable to one.
// A string is given one lenient parse attempt; anything else non-slice is an error the caller surfaces as
// a fatal issue.
func ExpandOutput(output any) ([]any, error) {
	switch v := output.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case string:
		var arr []any
		if err := json.Unmarshal([]byte(v), &arr); err != nil {
			return nil, fmt.Errorf("forEach output string is not a JSON array: %w", err)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("forEach output must be an array or JSON array string, got %T", output)
	}
}

// BuildPlan constructs the per-item child scopes for one producer's
// completed output, rooted at parentScope.
func BuildPlan(producer string, parentScope domain.Scope, items []any) Plan {
	out := make([]Item, len(items))
	for i, v := range items {
		out[i] = Item{Index: i, Scope: parentScope.Child(producer, i), Value: v}
	}
	return Plan{Producer: producer, Items: out}
}

// FinishTracker counts a forEach producer's outstanding dependent
// executions across every item scope, firing on_finish exactly once
// when the last one settles.
type FinishTracker struct {
	mu          sync.Mutex
	outstanding map[string]map[string]bool
	fired       map[string]bool
}

// NewFinishTracker constructs an empty FinishTracker.
func NewFinishTracker() *FinishTracker {
	return &FinishTracker{
		outstanding: make(map[string]map[string]bool),
		fired:       make(map[string]bool),
	}
}

// key identifies a producer's fan-out uniquely within a run: the
// producer id together with the scope its items are rooted at (a
// nested forEach can re-run the same producer id at a different
// parent scope).
func key(producer string, parentScope domain.Scope) string {
	return string(parentScope) + "#" + producer
}

// Register records the set of (dependent, itemScope) pairs a fan-out
// must wait for before firing on_finish. Called once the producer's
// Plan and its direct dependents are both known. An empty-array
// fan-out (pending has no entries) reports Ready immediately.
func (t *FinishTracker) Register(producer string, parentScope domain.Scope, pending []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(producer, parentScope)
	set := make(map[string]bool, len(pending))
	for _, p := range pending {
		set[p] = true
	}
	t.outstanding[k] = set
}

// MarkDone records that one (dependent, itemScope) pair has settled,
// identified by the caller-chosen pendingKey passed to Register.
func (t *FinishTracker) MarkDone(producer string, parentScope domain.Scope, pendingKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(producer, parentScope)
	if set, ok := t.outstanding[k]; ok {
		delete(set, pendingKey)
	}
}

// Ready reports whether every pending pair for producer's fan-out has
// settled and on_finish has not yet fired for it.
func (t *FinishTracker) Ready(producer string, parentScope domain.Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(producer, parentScope)
	if t.fired[k] {
		return false
	}
	set, ok := t.outstanding[k]
	return ok && len(set) == 0
}

// MarkFired records that on_finish has run for producer's fan-out,
// returning false if it had already fired (guards the "exactly once"
// guarantee against a racing second caller).
func (t *FinishTracker) MarkFired(producer string, parentScope domain.Scope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(producer, parentScope)
	if t.fired[k] {
		return false
	}
	t.fired[k] = true
	return true
}

// JoinGate decides, per JoinStrategy, how many of a dependent's
// fanned-out iterations must complete before its join is satisfied.
type JoinGate struct {
	mu          sync.Mutex
	strategy    domain.JoinStrategy
	minRequired int
	total       int
	completed   int
	triggered   bool
}

// NewJoinGate constructs a JoinGate for a dependent expecting total
// upstream completions under strategy.
func NewJoinGate(strategy domain.JoinStrategy, minRequired, total int) *JoinGate {
	if minRequired <= 0 {
		minRequired = total
	}
	return &JoinGate{strategy: strategy, minRequired: minRequired, total: total}
}

// MarkCompleted records one upstream completion and reports whether
// the gate should fire now. Once fired, later calls always return
// false (a join triggers at most once).
func (g *JoinGate) MarkCompleted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.triggered {
		return false
	}
	g.completed++

	var ready bool
	switch g.strategy {
	case domain.JoinWaitAll:
		ready = g.completed >= g.total
	case domain.JoinWaitAny, domain.JoinWaitFirst:
		ready = g.completed >= 1
	case domain.JoinWaitN:
		ready = g.completed >= g.minRequired
	default:
		ready = g.completed >= g.total
	}

	if ready {
		g.triggered = true
		return true
	}
	return false
}

// Done reports whether the gate has already triggered; a fan-out skips
// iterations that have not started yet once a non-wait_all join is
// satisfied.
func (g *JoinGate) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.triggered
}
