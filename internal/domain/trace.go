package domain

import "time"

// RoutingTraceEntry records one routing decision for observability and
// tests: what check it originated from, what action was taken, and why.
type RoutingTraceEntry struct {
	FromCheck string        `json:"fromCheck"`
	Action    RoutingAction `json:"action"`
	Reason    string        `json:"reason"`
	LoopDepth int           `json:"loopDepth"`
	Scope     Scope         `json:"scope"`
	Target    string        `json:"target,omitempty"`
	At        time.Time     `json:"at"`
}

// RoutingTrace is the ordered, append-only sequence of routing
// decisions made across a single run.
type RoutingTrace []RoutingTraceEntry

// Append returns a copy of t with e appended. RoutingTrace itself is not
// synchronized; the Dispatcher serializes its appends under its own
// mutex (see internal/dispatcher).
func (t RoutingTrace) Append(e RoutingTraceEntry) RoutingTrace {
	return append(t, e)
}

// LoopCount returns how many routing transitions have been recorded for
// a given scope, used to enforce routing.max_loops.
func (t RoutingTrace) LoopCount(scope Scope) int {
	n := 0
	for _, e := range t {
		if e.Scope == scope {
			n++
		}
	}
	return n
}
