package domain

import (
	"fmt"
	"sort"

	"github.com/visor-run/visor/internal/domain/errors"
)

// RunItem is one of the shapes accepted by `run`, `run_js`, and
// `on_init.run`: a bare check id, a named tool invocation, a helper
// step invocation, or a nested workflow invocation.
type RunItem struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	Tool string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Step string         `json:"step,omitempty" yaml:"step,omitempty"`
	With map[string]any `json:"with,omitempty" yaml:"with,omitempty"`
	As   string         `json:"as,omitempty" yaml:"as,omitempty"`

	Workflow       string         `json:"workflow,omitempty" yaml:"workflow,omitempty"`
	Overrides      map[string]any `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	OutputMapping  map[string]any `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
}

// Kind reports which of the four shapes this RunItem holds.
func (r RunItem) Kind() string {
	switch {
	case r.Workflow != "":
		return "workflow"
	case r.Tool != "":
		return "tool"
	case r.Step != "":
		return "step"
	default:
		return "id"
	}
}

// OutputAs returns the key this item's output should be stored under,
// defaulting to the tool/step/workflow name.
func (r RunItem) OutputAs() string {
	if r.As != "" {
		return r.As
	}
	switch r.Kind() {
	case "tool":
		return r.Tool
	case "step":
		return r.Step
	case "workflow":
		return r.Workflow
	default:
		return r.ID
	}
}

// Route holds one routing clause (on_init/on_success/on_fail/on_finish):
// a static goto target, a dynamic goto_js/run_js expression, a retry
// policy, and/or a list of run items.
type Route struct {
	Goto   string    `json:"goto,omitempty" yaml:"goto,omitempty"`
	GotoJS string    `json:"goto_js,omitempty" yaml:"goto_js,omitempty"`
	RunJS  string    `json:"run_js,omitempty" yaml:"run_js,omitempty"`
	Run    []RunItem `json:"run,omitempty" yaml:"run,omitempty"`
	Retry  *RetrySpec `json:"retry,omitempty" yaml:"retry,omitempty"`
}

func (r *Route) IsEmpty() bool {
	return r == nil || (r.Goto == "" && r.GotoJS == "" && r.RunJS == "" && len(r.Run) == 0 && r.Retry == nil)
}

// RetrySpec configures on_fail.retry: bounded attempts with linear or
// exponential backoff.
type RetrySpec struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"`
	Backoff     string `json:"backoff" yaml:"backoff"` // "linear" | "exponential"
}

// CheckSpec is one entry of a Config's check_id -> CheckSpec map.
type CheckSpec struct {
	ID       string       `json:"-" yaml:"-"` // set from the map key, not serialized
	Type     CheckType    `json:"type" yaml:"type"`
	DependsOn []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	On       []EventTrigger `json:"on,omitempty" yaml:"on,omitempty"`

	If       string `json:"if,omitempty" yaml:"if,omitempty"`
	ForEach  bool   `json:"forEach,omitempty" yaml:"forEach,omitempty"`
	// JoinStrategy governs how many of this dependent's per-item
	// iterations of a forEach producer run before the rest are dropped;
	// defaults to JoinWaitAll.
	JoinStrategy    JoinStrategy `json:"join_strategy,omitempty" yaml:"join_strategy,omitempty"`
	JoinMinRequired int          `json:"join_min_required,omitempty" yaml:"join_min_required,omitempty"`
	FailIf   string `json:"fail_if,omitempty" yaml:"fail_if,omitempty"`
	Assume   string `json:"assume,omitempty" yaml:"assume,omitempty"`
	Guarantee string `json:"guarantee,omitempty" yaml:"guarantee,omitempty"`

	OnInit    *Route `json:"on_init,omitempty" yaml:"on_init,omitempty"`
	OnSuccess *Route `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFail    *Route `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	OnFinish  *Route `json:"on_finish,omitempty" yaml:"on_finish,omitempty"`

	// Provider-specific configuration, parsed per check type (see
	// internal/provider for discriminated config structs).
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	MaxRuns            int      `json:"max_runs,omitempty" yaml:"max_runs,omitempty"`
	ContinueOnFailure  bool     `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	Tags               []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the check carries the given tag (e.g. "one_shot").
func (c *CheckSpec) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MatchesEvent reports whether this check should run for the given
// event trigger. An empty `on` list matches every event.
func (c *CheckSpec) MatchesEvent(event EventTrigger) bool {
	if len(c.On) == 0 {
		return true
	}
	for _, e := range c.On {
		if e == event {
			return true
		}
	}
	return false
}

// Limits bounds how many times checks and routing transitions may run
// within a single run.
type Limits struct {
	MaxRunsPerCheck int `json:"max_runs_per_check" yaml:"max_runs_per_check"`
}

// Routing bounds the routing state machine's loop budget.
type Routing struct {
	MaxLoops int `json:"max_loops" yaml:"max_loops"`
}

// Config is the immutable per-run configuration: the check_id ->
// CheckSpec map plus global limits, routing budgets, and the global
// fail_if predicate.
type Config struct {
	Checks  map[string]*CheckSpec `json:"checks" yaml:"checks"`
	Limits  Limits                `json:"limits" yaml:"limits"`
	Routing Routing               `json:"routing" yaml:"routing"`
	FailIf  string                `json:"fail_if,omitempty" yaml:"fail_if,omitempty"`

	// Tools available to `run`/`run_js`/`on_init.run` items of shape
	// {tool, with, as}; keyed by tool name.
	Tools map[string]*CheckSpec `json:"tools,omitempty" yaml:"tools,omitempty"`

	// Schedules recognized by the schedule daemon at load time (in
	// addition to any created at runtime through the store).
	Schedules []ScheduleDef `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// DefaultLimits is the per-check run budget applied when a config
// names none.
func DefaultLimits() Limits { return Limits{MaxRunsPerCheck: 50} }

// DefaultRouting is the per-scope routing loop budget applied when a
// config names none.
func DefaultRouting() Routing { return Routing{MaxLoops: 5} }

// Normalize fills in check ids from the map keys and applies defaults.
// Call once after decoding a Config, before Validate.
func (c *Config) Normalize() {
	if c.Limits.MaxRunsPerCheck <= 0 {
		c.Limits = DefaultLimits()
	}
	for id, spec := range c.Checks {
		spec.ID = id
		if spec.MaxRuns <= 0 {
			spec.MaxRuns = c.Limits.MaxRunsPerCheck
		}
		if spec.JoinStrategy == "" {
			spec.JoinStrategy = JoinWaitAll
		}
	}
	for id, spec := range c.Tools {
		spec.ID = id
	}
	if c.Routing.MaxLoops == 0 {
		c.Routing = DefaultRouting()
	}
}

// Validate checks identifier uniqueness (guaranteed by the map itself)
// and unknown dependency references, accumulating every problem found
// rather than stopping at the first so a user fixes a config in one
// pass.
func (c *Config) Validate() errors.ConfigErrors {
	var errs errors.ConfigErrors

	for id, spec := range c.Checks {
		if id == "" {
			errs = append(errs, &errors.ConfigError{Kind: "malformed", Message: "empty check id in config"})
			continue
		}
		if !spec.Type.IsValid() {
			errs = append(errs, &errors.ConfigError{Kind: "malformed", CheckID: id, Message: fmt.Sprintf("unknown check type %q", spec.Type)})
		}
		for _, dep := range spec.DependsOn {
			if _, ok := c.Checks[dep]; !ok {
				errs = append(errs, &errors.ConfigError{
					Kind: "unknown_dependency", CheckID: id,
					Message: fmt.Sprintf("depends_on references unknown check %q", dep),
				})
			}
		}
	}

	if cycles := c.findCycles(); len(cycles) > 0 {
		for _, cyc := range cycles {
			errs = append(errs, &errors.ConfigError{
				Kind: "cycle", CheckID: cyc[0],
				Message: fmt.Sprintf("cycle detected: %v", cyc),
			})
		}
	}

	return errs
}

// findCycles returns one representative cycle (as an ordered id list)
// per strongly-connected loop found via DFS with a recursion stack.
func (c *Config) findCycles() [][]string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.Checks))
	var stack []string
	var cycles [][]string

	ids := make([]string, 0, len(c.Checks))
	for id := range c.Checks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string)
	visit = func(id string) {
		if color[id] == black {
			return
		}
		if color[id] == gray {
			// found a back-edge; extract the cycle from the stack
			for i, s := range stack {
				if s == id {
					cyc := append([]string{}, stack[i:]...)
					cyc = append(cyc, id)
					cycles = append(cycles, cyc)
					return
				}
			}
			return
		}
		color[id] = gray
		stack = append(stack, id)
		spec, ok := c.Checks[id]
		if ok {
			deps := append([]string{}, spec.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				if _, ok := c.Checks[dep]; ok {
					visit(dep)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}
