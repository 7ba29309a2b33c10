package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// RootScope is the scope address of the top-level run, before any
// forEach fan-out has created a child scope.
const RootScope = "root"

// Scope identifies one specific execution context: either the run
// root, or a path of forEach iterations rooted at it, of the form
// "root/<parentId>#<index>/...". Scopes isolate run counters, routing
// loop budgets, and output history between sibling iterations.
type Scope string

// Child returns the scope address of the i'th iteration of producer
// fanning out from s.
func (s Scope) Child(producer string, index int) Scope {
	return Scope(fmt.Sprintf("%s/%s#%d", s, producer, index))
}

// Parent returns the scope one level up, or RootScope if s is already
// the root.
func (s Scope) Parent() Scope {
	str := string(s)
	idx := strings.LastIndex(str, "/")
	if idx < 0 {
		return RootScope
	}
	return Scope(str[:idx])
}

// IsRoot reports whether s is the top-level run scope.
func (s Scope) IsRoot() bool {
	return s == RootScope
}

// Depth returns the number of forEach levels s is nested under root.
func (s Scope) Depth() int {
	if s.IsRoot() {
		return 0
	}
	return strings.Count(string(s), "/")
}

// LastIteration parses the trailing "<producer>#<index>" segment of s,
// if present.
func (s Scope) LastIteration() (producer string, index int, ok bool) {
	str := string(s)
	idx := strings.LastIndex(str, "/")
	seg := str
	if idx >= 0 {
		seg = str[idx+1:]
	}
	hash := strings.LastIndex(seg, "#")
	if hash < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(seg[hash+1:])
	if err != nil {
		return "", 0, false
	}
	return seg[:hash], n, true
}
