// Package dispatcher implements the Level Dispatcher:
// wave-by-wave parallel execution of the dependency graph, wired to the
// Routing State Machine (on_init/on_success/on_fail/on_finish) and the
// forEach Engine for per-item fan-out, with a concurrency cap and
// cancellation support. A single check's completion can recursively
// trigger further, off-wave executions: goto targets, forEach children,
// on_init/run items.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/foreach"
	"github.com/visor-run/visor/internal/graph"
	"github.com/visor-run/visor/internal/memorystore"
	"github.com/visor-run/visor/internal/outputstore"
	"github.com/visor-run/visor/internal/provider"
	"github.com/visor-run/visor/internal/routing"
	"github.com/visor-run/visor/internal/sandbox"
	"github.com/visor-run/visor/internal/template"
)

// EventKind names one of the Run Controller's well-known event stream
// entries.
type EventKind string

const (
	EventCheckStart    EventKind = "check:start"
	EventCheckSuccess  EventKind = "check:success"
	EventCheckFail     EventKind = "check:fail"
	EventRoutingAction EventKind = "routing:action"
	EventRoutingLoop   EventKind = "routing:loop"
	EventLog           EventKind = "log"
)

// Event is one entry the Dispatcher emits through its EventSink.
type Event struct {
	Kind    EventKind
	CheckID string
	Scope   domain.Scope
	Message string
	At      time.Time
}

// EventSink receives Dispatcher events as they happen; nil is a valid
// no-op sink.
type EventSink func(Event)

// Options configures one Run call.
type Options struct {
	Event       domain.EventTrigger
	// Checks, if non-empty, restricts the wave scan to these ids;
	// routing/forEach/on_init may still schedule others.
	Checks      []string
	Tags        []string
	Inputs      map[string]any
	PR          provider.PRInfo
	MaxParallel int
	MockForStep func(checkID string) (domain.ReviewSummary, bool)
}

// Result is one check's terminal outcome at one scope.
type Result struct {
	CheckID    string
	Scope      domain.Scope
	Summary    domain.ReviewSummary
	Fatal      bool
	Skipped    bool
	SkipReason string
}

// Dispatcher owns one run's graph traversal, wiring the Provider
// Registry, Routing Engine, forEach Engine, Output Store, and Memory
// Store together.
type Dispatcher struct {
	cfg      *domain.Config
	g        *graph.Graph
	registry *provider.Registry
	routing  *routing.Engine
	outputs  *outputstore.Store
	memory   *memorystore.Store
	finish   *foreach.FinishTracker
	sb       *sandbox.Sandbox
	logger   zerolog.Logger
	emit     EventSink

	env map[string]string

	mu        sync.Mutex
	runCounts map[string]int
	results   map[string]*Result
	skipped   map[string]bool // "checkID|scope" keys skipped for a fatal/skipped upstream
	trace     domain.RoutingTrace
}

// New constructs a Dispatcher. emit may be nil.
func New(
	cfg *domain.Config,
	g *graph.Graph,
	registry *provider.Registry,
	routingEngine *routing.Engine,
	outputs *outputstore.Store,
	memory *memorystore.Store,
	sb *sandbox.Sandbox,
	logger zerolog.Logger,
	emit EventSink,
) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		g:         g,
		registry:  registry,
		routing:   routingEngine,
		outputs:   outputs,
		memory:    memory,
		finish:    foreach.NewFinishTracker(),
		sb:        sb,
		logger:    logger,
		emit:      emit,
		env:       envMap(),
		runCounts: make(map[string]int),
		results:   make(map[string]*Result),
		skipped:   make(map[string]bool),
	}
}

// Run executes every check matching opts.Event/opts.Tags wave by wave,
// each wave bounded by opts.MaxParallel concurrent executions (default
// 4). Routing and forEach fan-out may schedule additional
// off-wave executions synchronously within a check's own call.
func (d *Dispatcher) Run(ctx context.Context, opts Options) ([]Result, domain.RoutingTrace, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}

	waves, err := d.g.Waves()
	if err != nil {
		return d.collectResults(), d.trace, err
	}

	var only map[string]bool
	if len(opts.Checks) > 0 {
		only = make(map[string]bool, len(opts.Checks))
		for _, id := range opts.Checks {
			only[id] = true
		}
	}

	for wi, wave := range waves {
		select {
		case <-ctx.Done():
			d.cancelRemaining(waves[wi:], opts, only)
			return d.collectResults(), d.trace, ctx.Err()
		default:
		}

		sem := make(chan struct{}, opts.MaxParallel)
		var wg sync.WaitGroup

		for _, checkID := range wave {
			spec, ok := d.cfg.Checks[checkID]
			if !ok || !spec.MatchesEvent(opts.Event) || !matchesAnyTag(spec, opts.Tags) {
				continue
			}
			if only != nil && !only[checkID] {
				continue
			}

			// A direct dependent of a forEach producer runs once per item
			// from fanOut, not again at root scope.
			fannedOut := false
			for _, up := range spec.DependsOn {
				if upSpec, ok := d.cfg.Checks[up]; ok && upSpec.ForEach {
					fannedOut = true
					break
				}
			}
			if fannedOut {
				continue
			}

			if !spec.ContinueOnFailure {
				if dep, blocked := d.blockedBy(checkID, domain.RootScope, ""); blocked {
					d.skipForUpstream(checkID, domain.RootScope, dep)
					continue
				}
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()
				d.runCheck(ctx, id, domain.RootScope, opts, 0)
			}(checkID)
		}

		wg.Wait()
	}

	return d.collectResults(), d.trace, nil
}

// cancelRemaining records a cancelled issue for every event-matching
// check in the unstarted tail of the wave plan that has no settled
// result yet.
func (d *Dispatcher) cancelRemaining(waves [][]string, opts Options, only map[string]bool) {
	for _, wave := range waves {
		for _, checkID := range wave {
			spec, ok := d.cfg.Checks[checkID]
			if !ok || !spec.MatchesEvent(opts.Event) || !matchesAnyTag(spec, opts.Tags) {
				continue
			}
			if only != nil && !only[checkID] {
				continue
			}
			key := checkID + "|" + string(domain.RootScope)
			issue := domain.NewSyntheticIssue(checkID, domain.RuleSuffixCancelled,
				"run cancelled before this check completed", domain.SeverityWarning)
			d.mu.Lock()
			if _, settled := d.results[key]; !settled {
				d.results[key] = &Result{
					CheckID:    checkID,
					Scope:      domain.RootScope,
					Summary:    domain.ReviewSummary{Issues: []domain.Issue{issue}},
					Skipped:    true,
					SkipReason: "cancelled",
				}
			}
			d.mu.Unlock()
		}
	}
}

func matchesAnyTag(spec *domain.CheckSpec, tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, t := range tags {
		if spec.HasTag(t) {
			return true
		}
	}
	return false
}

// maxOnInitDepth bounds how deep on_init.run items may recursively
// trigger further checks with their own on_init clauses.
const maxOnInitDepth = 3

func (d *Dispatcher) runCheck(ctx context.Context, checkID string, scope domain.Scope, opts Options, attempt int) {
	d.runCheckDepth(ctx, checkID, scope, opts, attempt, 0)
}

// runCheckDepth executes one check at one scope end to end: on_init,
// the assume/provider/guarantee/fail_if contract chain, output commit,
// routing, and (for forEach producers) child fan-out. initDepth counts
// how many on_init.run hops led here.
func (d *Dispatcher) runCheckDepth(ctx context.Context, checkID string, scope domain.Scope, opts Options, attempt, initDepth int) {
	spec, ok := d.cfg.Checks[checkID]
	if !ok {
		return
	}

	d.emitEvent(EventCheckStart, checkID, scope, "")

	deps := d.depsFor(checkID, scope)

	if spec.OnInit != nil && !spec.OnInit.IsEmpty() {
		if initDepth >= maxOnInitDepth {
			d.emitEvent(EventLog, checkID, scope, fmt.Sprintf("on_init skipped: nesting depth %d reached", initDepth))
		} else {
			initOutputs := d.executeRunItemsDepth(ctx, spec.OnInit.Run, checkID, scope, opts, deps, initDepth+1)
			for k, v := range initOutputs {
				deps[k] = v
			}
		}
	}

	tmplScope := provider.BuildScope(opts.PR, deps, d.env, opts.Inputs, memorystore.NewAccessor(d.memory))
	predScope := d.predicateScope(tmplScope, opts.PR, nil, false)

	if spec.If != "" {
		runIt, err := d.sb.EvalBool(spec.If, predScope, sandbox.Options{TimeoutMs: 2000})
		if err == nil && !runIt {
			// skipped, not an error and not a success: no output commit,
			// and dependents are free to run against whatever state exists
			d.mu.Lock()
			d.results[checkID+"|"+string(scope)] = &Result{
				CheckID: checkID, Scope: scope, Skipped: true, SkipReason: "if condition false",
			}
			d.mu.Unlock()
			d.emitEvent(EventLog, checkID, scope, "skipped: if condition false")
			return
		}
	}

	if issue, err := d.routing.EvalAssume(spec, predScope); err != nil {
		// a throwing assume is a gating predicate failure and therefore
		// fatal to the check, not a silent skip
		errIssue := domain.NewSyntheticIssue(checkID, "assume_error", err.Error(), domain.SeverityError)
		summary := domain.ReviewSummary{Fatal: true}.WithIssue(errIssue)
		d.finishCheck(ctx, checkID, scope, spec, summary, opts, attempt)
		return
	} else if issue != nil {
		summary := domain.ReviewSummary{Fatal: true}.WithIssue(*issue)
		d.finishCheck(ctx, checkID, scope, spec, summary, opts, attempt)
		return
	}

	prov, err := d.registry.MustGet(spec.Type)
	if err != nil {
		summary := domain.ReviewSummary{Fatal: true}.WithIssue(domain.Issue{
			RuleID: checkID + "/no_provider", Message: err.Error(), Severity: domain.SeverityError, Category: domain.CategoryLogic,
		})
		d.finishCheck(ctx, checkID, scope, spec, summary, opts, attempt)
		return
	}

	// every provider invocation counts against max_runs, retries
	// included; if-skipped and assume-aborted runs never reach here and
	// do not spend the budget
	if !d.reserveRun(spec, scope) {
		issue := domain.NewSyntheticIssue(checkID, domain.RuleSuffixMaxRunsExceeded, "max_runs exceeded", domain.SeverityError)
		summary := domain.ReviewSummary{Fatal: true}.WithIssue(issue)
		d.commit(checkID, scope, spec, summary, true)
		return
	}

	execCtx := provider.ExecContext{Scope: scope, Attempt: attempt, MockForStep: opts.MockForStep}
	summary, execErr := d.execute(ctx, prov, opts.PR, spec, deps, execCtx)
	fatal := false
	if execErr != nil {
		fatal = true
		summary = summaryFromError(checkID, execErr)
	} else {
		fatal = summary.HasFatalIssue()
	}
	summary.Fatal = fatal

	if !fatal {
		predScope = d.predicateScope(tmplScope, opts.PR, summary.Issues, fatal)
		if issue, err := d.routing.EvalGuarantee(spec, predScope); err != nil {
			summary = summary.WithIssue(domain.NewSyntheticIssue(checkID, "guarantee_error", err.Error(), domain.SeverityError))
			fatal = true
		} else if issue != nil {
			summary = summary.WithIssue(*issue)
			fatal = true
		}
	}

	predScope = d.predicateScope(tmplScope, opts.PR, summary.Issues, fatal)
	if issue, err := d.routing.EvalFailIf(spec, d.cfg.FailIf, predScope); err != nil {
		// a throwing fail_if is reported as an additional error issue
		// alongside whatever the check already has
		summary = summary.WithIssue(domain.NewSyntheticIssue(checkID, domain.RuleSuffixFailIfError, err.Error(), domain.SeverityError))
		fatal = true
	} else if issue != nil {
		summary = summary.WithIssue(*issue)
		fatal = true
	}
	summary.Fatal = fatal

	d.finishCheck(ctx, checkID, scope, spec, summary, opts, attempt)
}

// finishCheck commits the result, emits the terminal event, runs the
// applicable routing clause, and (for forEach producers) fans out.
func (d *Dispatcher) finishCheck(ctx context.Context, checkID string, scope domain.Scope, spec *domain.CheckSpec, summary domain.ReviewSummary, opts Options, attempt int) {
	d.commit(checkID, scope, spec, summary, summary.Fatal)

	var route *domain.Route
	switch {
	case summary.Fatal && spec.OnFail != nil:
		route = spec.OnFail
	case !summary.Fatal && spec.OnSuccess != nil:
		route = spec.OnSuccess
	}

	if route != nil {
		d.applyRoute(ctx, checkID, route, spec, scope, opts, attempt)
	}

	if spec.ForEach {
		d.fanOut(ctx, checkID, spec, scope, summary, opts)
	}
}

func (d *Dispatcher) applyRoute(ctx context.Context, checkID string, route *domain.Route, spec *domain.CheckSpec, scope domain.Scope, opts Options, attempt int) {
	deps := d.depsFor(checkID, scope)
	tmplScope := provider.BuildScope(opts.PR, deps, d.env, opts.Inputs, memorystore.NewAccessor(d.memory))

	decision, budgetIssue, err := d.routing.Route(checkID, route, spec.HasTag("one_shot"), scope, tmplScope.ToMap(), attempt)
	if budgetIssue != nil {
		d.appendIssue(checkID, scope, *budgetIssue)
		d.emitEvent(EventRoutingLoop, checkID, scope, budgetIssue.Message)
		return
	}
	if err != nil {
		d.emitEvent(EventLog, checkID, scope, fmt.Sprintf("routing error: %v", err))
		return
	}

	switch decision.Kind {
	case routing.DecisionNone:
		return

	case routing.DecisionRetry:
		d.recordTrace(checkID, domain.RoutingActionRetry, decision.Reason, scope, "")
		d.emitEvent(EventRoutingAction, checkID, scope, decision.Reason)
		select {
		case <-ctx.Done():
			return
		case <-time.After(decision.RetryDelay):
		}
		d.runCheck(ctx, checkID, scope, opts, decision.Attempt)

	case routing.DecisionGoto:
		d.recordTrace(checkID, domain.RoutingActionGoto, decision.Reason, scope, decision.Target)
		d.emitEvent(EventRoutingAction, checkID, scope, fmt.Sprintf("goto %s (%s)", decision.Target, decision.Reason))
		d.runCheck(ctx, decision.Target, scope, opts, 0)
		for _, dep := range d.g.DirectDependents(decision.Target) {
			if _, blocked := d.blockedBy(dep, scope, decision.Target); !blocked {
				d.runCheck(ctx, dep, scope, opts, 0)
			}
		}

	case routing.DecisionRun:
		d.recordTrace(checkID, domain.RoutingActionRun, decision.Reason, scope, "")
		d.emitEvent(EventRoutingAction, checkID, scope, decision.Reason)
		d.executeRunItems(ctx, decision.RunItems, checkID, scope, opts, deps)
	}
}

func (d *Dispatcher) recordTrace(checkID string, action domain.RoutingAction, reason string, scope domain.Scope, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = d.trace.Append(domain.RoutingTraceEntry{
		FromCheck: checkID,
		Action:    action,
		Reason:    reason,
		LoopDepth: d.routing.LoopCount(scope),
		Scope:     scope,
		Target:    target,
		At:        time.Now(),
	})
}

// fanOut expands a forEach producer's output into per-item child
// scopes, runs each direct dependent once per item, and fires
// on_finish exactly once once every (dependent, item) pair has
// settled.
func (d *Dispatcher) fanOut(ctx context.Context, producer string, spec *domain.CheckSpec, scope domain.Scope, summary domain.ReviewSummary, opts Options) {
	items, err := foreach.ExpandOutput(summary.Output)
	if err != nil {
		d.appendIssue(producer, scope, domain.Issue{
			RuleID: producer + "/foreach_output_invalid", Message: err.Error(),
			Severity: domain.SeverityError, Category: domain.CategoryLogic,
		})
		return
	}

	plan := foreach.BuildPlan(producer, scope, items)
	dependents := d.g.DirectDependents(producer)

	// Bind each item's own value under (producer, item.Scope) before
	// running any dependent, so a dependent resolving its producer
	// dependency at its own child scope sees that one element, not the
	// whole aggregate array.
	for _, item := range plan.Items {
		d.outputs.PutItemValue(producer, item.Scope, item.Value)
	}

	pending := make([]string, 0, len(plan.Items)*len(dependents))
	for _, dep := range dependents {
		for _, item := range plan.Items {
			pending = append(pending, dep+"@"+string(item.Scope))
		}
	}
	d.finish.Register(producer, scope, pending)

	var wg sync.WaitGroup
	for _, dep := range dependents {
		depSpec, depOK := d.cfg.Checks[dep]
		var gate *foreach.JoinGate
		if depOK && depSpec.JoinStrategy != "" && depSpec.JoinStrategy != domain.JoinWaitAll {
			gate = foreach.NewJoinGate(depSpec.JoinStrategy, depSpec.JoinMinRequired, len(plan.Items))
		}
		for _, item := range plan.Items {
			wg.Add(1)
			go func(dep string, depSpec *domain.CheckSpec, item foreach.Item) {
				defer wg.Done()
				defer d.finish.MarkDone(producer, scope, dep+"@"+string(item.Scope))
				if gate != nil && gate.Done() {
					// the dependent's join strategy is already satisfied;
					// iterations that have not started are dropped
					return
				}
				if depOK && !depSpec.ContinueOnFailure {
					if blockedDep, blocked := d.blockedBy(dep, item.Scope, producer); blocked {
						d.skipForUpstream(dep, item.Scope, blockedDep)
						return
					}
				}
				d.runCheck(ctx, dep, item.Scope, opts, 0)
				if gate != nil {
					gate.MarkCompleted()
				}
			}(dep, depSpec, item)
		}
	}
	wg.Wait()

	if spec.OnFinish == nil || spec.OnFinish.IsEmpty() {
		return
	}
	if !d.finish.Ready(producer, scope) {
		return
	}
	if !d.finish.MarkFired(producer, scope) {
		return
	}
	d.applyRoute(ctx, producer, spec.OnFinish, spec, scope, opts, 0)
}

// executeRunItems runs items sequentially, binding each one's output
// into the returned map under its OutputAs() key, and also into deps
// so the NEXT item in the same list can see it.
func (d *Dispatcher) executeRunItems(ctx context.Context, items []domain.RunItem, originCheck string, scope domain.Scope, opts Options, deps map[string]domain.ReviewSummary) map[string]domain.ReviewSummary {
	return d.executeRunItemsDepth(ctx, items, originCheck, scope, opts, deps, 0)
}

func (d *Dispatcher) executeRunItemsDepth(ctx context.Context, items []domain.RunItem, originCheck string, scope domain.Scope, opts Options, deps map[string]domain.ReviewSummary, initDepth int) map[string]domain.ReviewSummary {
	out := make(map[string]domain.ReviewSummary, len(items))
	for _, item := range items {
		var summary domain.ReviewSummary
		switch item.Kind() {
		case "id":
			d.runCheckDepth(ctx, item.ID, scope, opts, 0, initDepth)
			if v, ok := d.outputs.Get(item.ID, scope); ok {
				summary = v
			}
		case "tool":
			summary = d.runHelper(ctx, d.cfg.Tools, item.Tool, item, scope, opts, deps)
		case "step":
			summary = d.runHelper(ctx, d.cfg.Checks, item.Step, item, scope, opts, deps)
		case "workflow":
			summary = d.runWorkflowItem(ctx, item, scope, opts)
		}
		key := item.OutputAs()
		out[key] = summary
		deps[key] = summary
	}
	return out
}

// execute consults execCtx.MockForStep before invoking the provider's
// real I/O, so the embedded test runner's recorder hook
// works uniformly across every check type instead of each provider
// having to implement it itself.
func (d *Dispatcher) execute(ctx context.Context, prov provider.Provider, pr provider.PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx provider.ExecContext) (domain.ReviewSummary, error) {
	if execCtx.MockForStep != nil {
		if summary, ok := execCtx.MockForStep(spec.ID); ok {
			return summary, nil
		}
	}
	return prov.Execute(ctx, pr, spec, deps, execCtx)
}

// runWorkflowItem invokes a {workflow, with, as} run item through the
// workflow provider. `with` becomes the sub-run's inputs, `overrides`
// merged over it right-biased; `output_mapping` renames/extracts keys
// of the sub-run's aggregate output map for the `as` binding. The
// sub-run's internal routing stays confined to the sub-run; only its
// final output crosses back here.
func (d *Dispatcher) runWorkflowItem(ctx context.Context, item domain.RunItem, scope domain.Scope, opts Options) domain.ReviewSummary {
	prov, err := d.registry.MustGet(domain.CheckTypeWorkflow)
	if err != nil {
		return domain.ReviewSummary{}.WithIssue(domain.Issue{
			RuleID: item.Workflow + "/no_provider", Message: err.Error(), Severity: domain.SeverityError, Category: domain.CategoryLogic,
		})
	}

	inputs := make(map[string]any, len(item.With)+len(item.Overrides))
	for k, v := range item.With {
		inputs[k] = v
	}
	for k, v := range item.Overrides {
		inputs[k] = v
	}

	wfSpec := &domain.CheckSpec{
		ID:   item.OutputAs(),
		Type: domain.CheckTypeWorkflow,
		Config: map[string]any{
			"ref":    item.Workflow,
			"inputs": inputs,
		},
	}

	summary, err := d.execute(ctx, prov, opts.PR, wfSpec, nil, provider.ExecContext{Scope: scope, MockForStep: opts.MockForStep})
	if err != nil {
		return summaryFromError(item.Workflow, err)
	}

	if len(item.OutputMapping) > 0 {
		if outMap, ok := summary.Output.(map[string]any); ok {
			mapped := make(map[string]any, len(item.OutputMapping))
			for name, pathVal := range item.OutputMapping {
				path, _ := pathVal.(string)
				if v, ok := lookupOutputPath(outMap, path); ok {
					mapped[name] = v
				}
			}
			summary.Raw = summary.Output
			summary.Output = mapped
		}
	}
	return summary
}

// lookupOutputPath walks a dotted path over nested map[string]any data.
func lookupOutputPath(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// runHelper invokes an existing CheckSpec (from the checks map or the
// tools map) as a tool/step helper with item.With overlaid onto its
// visible deps, storing the result under the helper's own id/scope so
// later lookups (and history) still work.
func (d *Dispatcher) runHelper(ctx context.Context, registry map[string]*domain.CheckSpec, name string, item domain.RunItem, scope domain.Scope, opts Options, deps map[string]domain.ReviewSummary) domain.ReviewSummary {
	spec, ok := registry[name]
	if !ok {
		return domain.ReviewSummary{}.WithIssue(domain.Issue{
			RuleID: name + "/not_found", Message: fmt.Sprintf("no tool/step named %q", name),
			Severity: domain.SeverityError, Category: domain.CategoryLogic,
		})
	}
	prov, err := d.registry.MustGet(spec.Type)
	if err != nil {
		return domain.ReviewSummary{}.WithIssue(domain.Issue{
			RuleID: name + "/no_provider", Message: err.Error(), Severity: domain.SeverityError, Category: domain.CategoryLogic,
		})
	}
	callDeps := deps
	if len(item.With) > 0 {
		callDeps = make(map[string]domain.ReviewSummary, len(deps)+len(item.With))
		for k, v := range deps {
			callDeps[k] = v
		}
		for k, v := range item.With {
			callDeps[k] = domain.ReviewSummary{Output: v}
		}
	}
	summary, err := d.execute(ctx, prov, opts.PR, spec, callDeps, provider.ExecContext{Scope: scope, MockForStep: opts.MockForStep})
	if err != nil {
		summary = summaryFromError(name, err)
	}
	d.outputs.Put(name, scope, summary, spec.ForEach)
	return summary
}

func (d *Dispatcher) reserveRun(spec *domain.CheckSpec, scope domain.Scope) bool {
	limit := spec.MaxRuns
	if limit <= 0 {
		limit = d.cfg.Limits.MaxRunsPerCheck
	}
	key := spec.ID + "|" + string(scope)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runCounts[key]++
	return d.runCounts[key] <= limit
}

// blockedBy returns the id of a fatal-or-skipped dependency (other than
// exclude) checkID has at scope, if any: dependents without
// continue_on_failure are skipped, and forward-running dependents are
// only scheduled when they have no other fatal upstreams. A dependency
// counts as blocking either because its own
// committed result is Fatal, or because it was itself skipped for this
// same reason (so a skip cascades down a dependency chain instead of
// stopping at the first hop, since a skipped check never commits an
// output for resolveDep to find).
func (d *Dispatcher) blockedBy(checkID string, scope domain.Scope, exclude string) (string, bool) {
	node, ok := d.g.Node(checkID)
	if !ok {
		return "", false
	}
	for _, up := range node.DependsOn {
		if up == exclude {
			continue
		}
		if d.isBlocked(up, scope) {
			return up, true
		}
	}
	return "", false
}

func (d *Dispatcher) isBlocked(checkID string, scope domain.Scope) bool {
	d.mu.Lock()
	skipped := d.skipped[checkID+"|"+string(scope)]
	d.mu.Unlock()
	if skipped {
		return true
	}
	summary, _, ok := d.resolveDep(checkID, scope)
	return ok && summary.Fatal
}

// skipForUpstream records checkID as skipped at scope without running
// it, because its upstream dep is fatal (or itself skipped) and checkID
// does not carry continue_on_failure.
func (d *Dispatcher) skipForUpstream(checkID string, scope domain.Scope, dep string) {
	reason := fmt.Sprintf("upstream %q failed", dep)
	d.mu.Lock()
	d.skipped[checkID+"|"+string(scope)] = true
	d.results[checkID+"|"+string(scope)] = &Result{CheckID: checkID, Scope: scope, Skipped: true, SkipReason: reason}
	d.mu.Unlock()
	d.emitEvent(EventLog, checkID, scope, "skipped: "+reason)
}

// depsFor resolves checkID's dependency outputs at scope, walking up
// the scope chain for dependencies that live at a shallower (e.g.
// pre-forEach) scope, and attaches a "-raw" alias plus cross-sibling
// history for forEach producers.
func (d *Dispatcher) depsFor(checkID string, scope domain.Scope) map[string]domain.ReviewSummary {
	node, ok := d.g.Node(checkID)
	if !ok {
		return map[string]domain.ReviewSummary{}
	}
	deps := make(map[string]domain.ReviewSummary, len(node.DependsOn)*2)
	for _, depID := range node.DependsOn {
		summary, owner, ok := d.resolveDep(depID, scope)
		if !ok {
			continue
		}
		if hist := d.siblingHistory(depID, owner); len(hist) > 0 {
			summary.History = hist
		}
		deps[depID] = summary
		if depSpec, ok := d.cfg.Checks[depID]; ok && depSpec.ForEach {
			if raw, ok := d.outputs.Raw(depID); ok {
				deps[depID+"-raw"] = raw
			}
		}
	}
	return deps
}

func (d *Dispatcher) resolveDep(depID string, scope domain.Scope) (domain.ReviewSummary, domain.Scope, bool) {
	for s := scope; ; {
		if v, ok := d.outputs.Get(depID, s); ok {
			return v, s, true
		}
		if s.IsRoot() {
			break
		}
		s = s.Parent()
	}
	if v, ok := d.outputs.GetLatest(depID); ok {
		return v, domain.RootScope, true
	}
	return domain.ReviewSummary{}, "", false
}

func (d *Dispatcher) siblingHistory(depID string, owner domain.Scope) []domain.ReviewSummary {
	var out []domain.ReviewSummary
	for _, s := range d.outputs.ScopesFor(depID) {
		if s.Parent() == owner.Parent() {
			out = append(out, d.outputs.HistoryForScope(depID, s)...)
		}
	}
	return out
}

func (d *Dispatcher) commit(checkID string, scope domain.Scope, spec *domain.CheckSpec, summary domain.ReviewSummary, fatal bool) {
	summary.Fatal = fatal
	d.outputs.Put(checkID, scope, summary, spec.ForEach)

	d.mu.Lock()
	d.results[checkID+"|"+string(scope)] = &Result{CheckID: checkID, Scope: scope, Summary: summary, Fatal: fatal}
	d.mu.Unlock()

	if fatal {
		d.emitEvent(EventCheckFail, checkID, scope, "")
	} else {
		d.emitEvent(EventCheckSuccess, checkID, scope, "")
	}
}

func (d *Dispatcher) appendIssue(checkID string, scope domain.Scope, issue domain.Issue) {
	d.mu.Lock()
	r, ok := d.results[checkID+"|"+string(scope)]
	d.mu.Unlock()
	if !ok {
		d.commit(checkID, scope, d.cfg.Checks[checkID], domain.ReviewSummary{}.WithIssue(issue), issue.IsFatal())
		return
	}
	updated := r.Summary.WithIssue(issue)
	d.commit(checkID, scope, d.cfg.Checks[checkID], updated, updated.Fatal || issue.IsFatal())
}

func (d *Dispatcher) collectResults() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Result, 0, len(d.results))
	for _, r := range d.results {
		out = append(out, *r)
	}
	return out
}

func (d *Dispatcher) emitEvent(kind EventKind, checkID string, scope domain.Scope, message string) {
	if d.emit == nil {
		return
	}
	d.emit(Event{Kind: kind, CheckID: checkID, Scope: scope, Message: message, At: time.Now()})
}

func (d *Dispatcher) predicateScope(tmplScope template.Scope, pr provider.PRInfo, issues []domain.Issue, fatal bool) sandbox.Scope {
	m := tmplScope.ToMap()
	filesContent := make(map[string]any, len(pr.FilesContent))
	for k, v := range pr.FilesContent {
		filesContent[k] = v
	}
	m["files_content"] = filesContent

	issueMaps := make([]any, len(issues))
	for i, iss := range issues {
		issueMaps[i] = map[string]any{
			"ruleId": iss.RuleID, "message": iss.Message, "severity": string(iss.Severity),
			"category": string(iss.Category), "file": iss.File, "line": iss.Line,
		}
	}
	m["issues"] = issueMaps
	m["fatal"] = fatal
	return sandbox.Scope(m)
}

func envMap() map[string]string {
	env := os.Environ()
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func summaryFromError(checkID string, err error) domain.ReviewSummary {
	message := err.Error()
	var provErr *domainerrors.ProviderError
	if pe, ok := err.(*domainerrors.ProviderError); ok {
		provErr = pe
	}
	ruleID := checkID + "/provider_error"
	if provErr != nil {
		ruleID = checkID + "/" + provErr.Provider + "_error"
	}
	return domain.ReviewSummary{}.WithIssue(domain.Issue{
		RuleID: ruleID, Message: message, Severity: domain.SeverityError, Category: domain.CategoryLogic,
	})
}
