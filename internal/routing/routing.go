// Package routing implements the Routing State Machine:
// contract evaluation (assume/guarantee), fail_if gating, and the
// on_init/on_success/on_fail/on_finish priority chain, including static
// goto validation, dynamic goto_js/run_js scripts, retry backoff, and
// per-scope loop budgets.
package routing

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/graph"
	"github.com/visor-run/visor/internal/sandbox"
)

// DecisionKind enumerates the routing outcomes §4.7 names.
type DecisionKind string

const (
	DecisionNone  DecisionKind = "none"
	DecisionRetry DecisionKind = "retry"
	DecisionGoto  DecisionKind = "goto"
	DecisionRun   DecisionKind = "run"
)

// Decision is the at-most-one action the Routing state machine chose
// for one check's completion.
type Decision struct {
	Kind       DecisionKind
	Target     string
	RunItems   []domain.RunItem
	RetryDelay time.Duration
	Attempt    int
	Reason     string
}

// Engine evaluates contracts, fail_if, and routing clauses for one run.
// It is safe for concurrent use: loop counters and one-shot dedupe are
// guarded by a mutex since the Level Dispatcher routes from multiple
// wave goroutines.
type Engine struct {
	sb    *sandbox.Sandbox
	graph *graph.Graph
	cfg   domain.Routing

	predicateTimeoutMs int

	mu        sync.Mutex
	loopCount map[domain.Scope]int
	routed    map[string]bool // one_shot dedupe key: scope + "/" + checkID
}

// New constructs a routing Engine bound to g (used to validate static
// goto targets) and the run's configured loop budget.
func New(sb *sandbox.Sandbox, g *graph.Graph, cfg domain.Routing, predicateTimeoutMs int) *Engine {
	if predicateTimeoutMs <= 0 {
		predicateTimeoutMs = 2000
	}
	return &Engine{
		sb:                  sb,
		graph:               g,
		cfg:                 cfg,
		predicateTimeoutMs:  predicateTimeoutMs,
		loopCount:           make(map[domain.Scope]int),
		routed:              make(map[string]bool),
	}
}

func (e *Engine) opts() sandbox.Options {
	return sandbox.Options{TimeoutMs: e.predicateTimeoutMs, InjectLog: true}
}

// EvalAssume evaluates spec.Assume before the provider runs. A false
// assume aborts the check without invoking the provider and produces
// an `<id>/assume_violated` issue.
func (e *Engine) EvalAssume(spec *domain.CheckSpec, scope sandbox.Scope) (*domain.Issue, error) {
	if spec.Assume == "" {
		return nil, nil
	}
	ok, err := e.sb.EvalBool(spec.Assume, scope, e.opts())
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	issue := domain.NewSyntheticIssue(spec.ID, domain.RuleSuffixAssumeViolated,
		fmt.Sprintf("assume failed: %s", spec.Assume), domain.SeverityError)
	return &issue, nil
}

// EvalGuarantee evaluates spec.Guarantee after the provider runs. A
// false guarantee is a fatal failure regardless of the provider's own
// result.
func (e *Engine) EvalGuarantee(spec *domain.CheckSpec, scope sandbox.Scope) (*domain.Issue, error) {
	if spec.Guarantee == "" {
		return nil, nil
	}
	ok, err := e.sb.EvalBool(spec.Guarantee, scope, e.opts())
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	issue := domain.NewSyntheticIssue(spec.ID, domain.RuleSuffixGuaranteeViolated,
		fmt.Sprintf("guarantee failed: %s", spec.Guarantee), domain.SeverityError)
	return &issue, nil
}

// EvalFailIf evaluates the step-specific fail_if, falling back to
// globalFailIf when the step carries none.
func (e *Engine) EvalFailIf(spec *domain.CheckSpec, globalFailIf string, scope sandbox.Scope) (*domain.Issue, error) {
	source := spec.FailIf
	if source == "" {
		source = globalFailIf
	}
	if source == "" {
		return nil, nil
	}
	triggered, err := e.sb.EvalBool(source, scope, e.opts())
	if err != nil {
		return nil, err
	}
	if !triggered {
		return nil, nil
	}
	issue := domain.NewSyntheticIssue(spec.ID, domain.RuleSuffixFailIf,
		fmt.Sprintf("fail_if triggered: %s", source), domain.SeverityError)
	return &issue, nil
}

// Route chooses at most one action from route for checkID's completion
// at scope, honoring the loop budget and the one_shot tag. attempt is
// the 0-based retry attempt already spent on this check at this scope.
func (e *Engine) Route(checkID string, route *domain.Route, oneShot bool, scope domain.Scope, tmplScope sandbox.Scope, attempt int) (Decision, *domain.Issue, error) {
	if route.IsEmpty() {
		return Decision{Kind: DecisionNone}, nil, nil
	}

	key := string(scope) + "/" + checkID
	e.mu.Lock()
	if oneShot && e.routed[key] {
		e.mu.Unlock()
		return Decision{Kind: DecisionNone, Reason: "one_shot already routed"}, nil, nil
	}
	e.loopCount[scope]++
	loops := e.loopCount[scope]
	e.mu.Unlock()

	if loops > e.cfg.MaxLoops {
		issue := domain.NewSyntheticIssue(checkID, domain.RuleSuffixRoutingBudget,
			fmt.Sprintf("routing.max_loops (%d) exceeded at scope %q", e.cfg.MaxLoops, scope),
			domain.SeverityError)
		return Decision{Kind: DecisionNone}, &issue, domainerrors.NewRoutingError(
			domainerrors.RoutingBudgetExceeded, checkID, string(scope), "max_loops exceeded")
	}

	decision, err := e.routeClause(checkID, route, scope, tmplScope, attempt)
	if err != nil {
		return Decision{}, nil, err
	}

	if oneShot && decision.Kind != DecisionNone {
		e.mu.Lock()
		e.routed[key] = true
		e.mu.Unlock()
	}

	return decision, nil, nil
}

func (e *Engine) routeClause(checkID string, route *domain.Route, scope domain.Scope, tmplScope sandbox.Scope, attempt int) (Decision, error) {
	if route.Retry != nil && attempt < route.Retry.MaxAttempts {
		return Decision{
			Kind:       DecisionRetry,
			Attempt:    attempt + 1,
			RetryDelay: backoffDelay(route.Retry, attempt+1),
			Reason:     fmt.Sprintf("retry attempt %d/%d", attempt+1, route.Retry.MaxAttempts),
		}, nil
	}

	if route.Goto != "" {
		if err := e.validateGotoTarget(checkID, route.Goto); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionGoto, Target: route.Goto, Reason: "static goto"}, nil
	}

	if route.GotoJS != "" {
		v, err := e.sb.RunScript(route.GotoJS, tmplScope, e.opts())
		if err != nil {
			return Decision{}, err
		}
		if v == nil {
			return Decision{Kind: DecisionNone, Reason: "goto_js returned null"}, nil
		}
		target, ok := v.(string)
		if !ok {
			return Decision{}, domainerrors.NewPredicateError(domainerrors.PredicateErrorRuntime, route.GotoJS,
				fmt.Errorf("goto_js must return a string id or null, got %T", v))
		}
		if err := e.validateGotoTarget(checkID, target); err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionGoto, Target: target, Reason: "goto_js"}, nil
	}

	if route.RunJS != "" {
		v, err := e.sb.RunScript(route.RunJS, tmplScope, e.opts())
		if err != nil {
			return Decision{}, err
		}
		items, err := decodeRunItems(v)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Kind: DecisionRun, RunItems: items, Reason: "run_js"}, nil
	}

	if len(route.Run) > 0 {
		return Decision{Kind: DecisionRun, RunItems: route.Run, Reason: "run"}, nil
	}

	return Decision{Kind: DecisionNone}, nil
}

// validateGotoTarget checks only that a goto target exists in the
// dependency graph; an unknown id is rejected. It does not check whether
// the target is an ancestor or a sibling of the routing check, so any
// existing check, the routing check itself included, is accepted.
func (e *Engine) validateGotoTarget(fromCheck, target string) error {
	if _, ok := e.graph.Node(target); !ok {
		return domainerrors.NewRoutingError(domainerrors.InvalidGotoTarget, fromCheck, "", fmt.Sprintf("unknown goto target %q", target))
	}
	return nil
}

// decodeRunItems accepts run_js's two legal return shapes: a single run
// item object, or an array of them.
func decodeRunItems(v any) ([]domain.RunItem, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domainerrors.NewInternalError("marshal run_js result", err)
	}
	var arr []domain.RunItem
	if err := json.Unmarshal(b, &arr); err == nil {
		return arr, nil
	}
	var one domain.RunItem
	if err := json.Unmarshal(b, &one); err != nil {
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorRuntime, "", fmt.Errorf("run_js result is not a run item or array of run items: %w", err))
	}
	return []domain.RunItem{one}, nil
}

// backoffDelay computes the wait before a retry attempt: linear
// backoff scales the initial delay by attempt, exponential backoff
// doubles it per attempt, both capped by a generous fixed ceiling
// since the cap has no config exposure.
func backoffDelay(r *domain.RetrySpec, attempt int) time.Duration {
	const initial = 500 * time.Millisecond
	const maxDelay = 30 * time.Second

	var delay float64
	if r.Backoff == "linear" {
		delay = float64(initial) * float64(attempt)
	} else {
		delay = float64(initial) * math.Pow(2.0, float64(attempt-1))
	}
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay)
}

// LoopCount reports the current routing-transition count at scope, for
// diagnostics and tests.
func (e *Engine) LoopCount(scope domain.Scope) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopCount[scope]
}
