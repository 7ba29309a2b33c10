// Package runner implements the Run Controller: the public entry point
// that loads a Config, builds the Dependency Graph, drives the Level
// Dispatcher wave by wave, and returns a RunSummary carrying the
// aggregated issues, per-check history, and routing trace. Wiring order
// is config -> logger -> stores -> registry -> dispatcher.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/visor-run/visor/internal/config"
	"github.com/visor-run/visor/internal/dispatcher"
	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/graph"
	"github.com/visor-run/visor/internal/memorystore"
	"github.com/visor-run/visor/internal/outputstore"
	"github.com/visor-run/visor/internal/provider"
	"github.com/visor-run/visor/internal/routing"
	"github.com/visor-run/visor/internal/sandbox"
	"github.com/visor-run/visor/internal/template"
)

// EventKind and EventSink are re-exported so callers (cmd/visor, the
// schedule daemon) only need to import internal/runner, not also
// internal/dispatcher, to subscribe to the event stream: check:start,
// check:success, check:fail, routing:action, routing:loop, log, done.
type EventKind = dispatcher.EventKind
type Event = dispatcher.Event
type EventSink = dispatcher.EventSink

const (
	EventCheckStart    = dispatcher.EventCheckStart
	EventCheckSuccess  = dispatcher.EventCheckSuccess
	EventCheckFail     = dispatcher.EventCheckFail
	EventRoutingAction = dispatcher.EventRoutingAction
	EventRoutingLoop   = dispatcher.EventRoutingLoop
	EventLog           = dispatcher.EventLog
	EventDone          EventKind = "done"
)

// Options configures one Run call.
type Options struct {
	Config     *domain.Config
	ConfigPath string

	// Checks, if non-empty, restricts execution to these check ids (and
	// whatever their on_init/routing/forEach machinery schedules); nil
	// means every check matching Event/Tags.
	Checks []string
	Tags   []string
	Inputs map[string]any
	Event  domain.EventTrigger
	PR     provider.PRInfo

	MaxParallel int
	// Deadline, if non-zero, cancels the dispatcher once reached; any
	// in-flight checks are allowed to settle but no new work starts.
	Deadline time.Time

	DefaultAIKey string
	DefaultModel string
	MemoryStore  *memorystore.Store // reused across nested/sub runs when set
	MockForStep  func(checkID string) (domain.ReviewSummary, bool)
	EventSink    EventSink
}

// Stats summarizes a run's outcome.
type Stats struct {
	DurationMs   int64
	SuccessCount int
	FailureCount int
}

// RunSummary is the Run Controller's public result.
type RunSummary struct {
	Checks  []dispatcher.Result
	Issues  []domain.Issue
	Stats   Stats
	Routing domain.RoutingTrace
}

// Controller owns the collaborators a single process needs across
// possibly many Run calls: a logger. Each Run takes its Memory Store
// from Options.MemoryStore (or creates one) and shares it with its
// nested workflow sub-runs.
type Controller struct {
	logger zerolog.Logger
}

// New constructs a Controller. logger may be the zero value, in which
// case a quiet logger is used.
func New(logger zerolog.Logger) *Controller {
	return &Controller{logger: logger}
}

// Run executes one event trigger against a Config end to end. It
// loads/validates the config if only a path was given, builds the
// dependency graph, wires every collaborator (sandbox,
// template renderer, provider registry, routing engine, output/memory
// stores), and drives the Level Dispatcher to completion.
func (c *Controller) Run(ctx context.Context, opts Options) (RunSummary, error) {
	start := time.Now()

	cfg, err := c.resolveConfig(opts)
	if err != nil {
		return RunSummary{}, err
	}

	g, gerrs := graph.Build(cfg.Checks)
	if len(gerrs) > 0 {
		return RunSummary{}, gerrs
	}

	if c.logger.GetLevel() <= zerolog.DebugLevel {
		if waves, err := g.Waves(); err == nil {
			path, length := g.CriticalPath()
			c.logger.Debug().
				Strs("critical_path", path).
				Int("critical_path_len", length).
				Str("plan", g.PlanSummary(waves)).
				Msg("execution plan")
		}
	}

	if !opts.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, opts.Deadline)
		defer cancel()
	}

	sb := sandbox.New(&c.logger)
	renderer := template.New(sb, sandbox.Options{TimeoutMs: 2000})
	outputs := outputstore.New()
	memory := opts.MemoryStore
	if memory == nil {
		memory = memorystore.New()
	}

	registry, wfProvider := provider.NewDefaultRegistry(provider.Deps{
		Renderer:     renderer,
		MemoryStore:  memory,
		Logger:       c.logger,
		DefaultAIKey: opts.DefaultAIKey,
		DefaultModel: opts.DefaultModel,
	})
	opts.MemoryStore = memory
	wfProvider.SetRunFunc(c.nestedRunFunc(opts))

	routingEngine := routing.New(sb, g, cfg.Routing, 2000)

	sink := opts.EventSink
	disp := dispatcher.New(cfg, g, registry, routingEngine, outputs, memory, sb, c.logger, sink)

	event := opts.Event
	if event == "" {
		event = domain.EventManual
	}

	results, trace, runErr := disp.Run(ctx, dispatcher.Options{
		Event:       event,
		Checks:      opts.Checks,
		Tags:        opts.Tags,
		Inputs:      opts.Inputs,
		PR:          opts.PR,
		MaxParallel: opts.MaxParallel,
		MockForStep: opts.MockForStep,
	})

	summary := buildSummary(results, trace, start)
	if sink != nil {
		sink(Event{Kind: EventDone, At: time.Now()})
	}
	if runErr != nil {
		return summary, fmt.Errorf("runner: run failed: %w", runErr)
	}
	return summary, nil
}

func (c *Controller) resolveConfig(opts Options) (*domain.Config, error) {
	if opts.Config != nil {
		return opts.Config, nil
	}
	if opts.ConfigPath == "" {
		return nil, domainerrors.NewInternalError("runner: no Config or ConfigPath given", nil)
	}
	return config.Load(opts.ConfigPath)
}

// nestedRunFunc implements provider.WorkflowRunFunc: the `workflow`
// check type's ref names another check-config YAML file. It is run as
// an isolated sub-run with its own graph, dispatcher, and output store
// (no forward-running into the parent graph), sharing this run's
// Memory Store and AI defaults so nested checks still see program-wide
// state. Its aggregate result is a ReviewSummary whose Output maps
// every top-level check id in the sub-run to that check's final
// output, and whose Issues is the concatenation of every check's
// issues; only that final output crosses back to the caller.
func (c *Controller) nestedRunFunc(parent Options) provider.WorkflowRunFunc {
	return func(ctx context.Context, ref string, inputs map[string]any) (domain.ReviewSummary, error) {
		subCfg, err := config.Load(ref)
		if err != nil {
			return domain.ReviewSummary{}, fmt.Errorf("runner: nested workflow %q: %w", ref, err)
		}

		sub, err := c.Run(ctx, Options{
			Config:       subCfg,
			Inputs:       inputs,
			Event:        domain.EventManual,
			PR:           parent.PR,
			MaxParallel:  parent.MaxParallel,
			DefaultAIKey: parent.DefaultAIKey,
			DefaultModel: parent.DefaultModel,
			MemoryStore:  parent.MemoryStore,
			MockForStep:  parent.MockForStep,
		})
		if err != nil {
			return domain.ReviewSummary{}, err
		}

		output := make(map[string]any, len(sub.Checks))
		var issues []domain.Issue
		for _, r := range sub.Checks {
			output[r.CheckID] = r.Summary.Output
			issues = append(issues, r.Summary.Issues...)
		}
		issues = append(issues, forwardRunWarnings(subCfg)...)
		return domain.ReviewSummary{Output: output, Issues: issues, Fatal: sub.Stats.FailureCount > 0}, nil
	}
}

// forwardRunWarnings flags nested-workflow checks whose on_fail.goto
// names a target outside the sub-run's own config: such a chain can
// never forward-run into the parent's graph (the Open Question default
// is "no"), so the configuration is surfaced as a warning rather than
// silently dropped.
func forwardRunWarnings(cfg *domain.Config) []domain.Issue {
	var issues []domain.Issue
	for id, spec := range cfg.Checks {
		if spec.OnFail == nil || spec.OnFail.Goto == "" {
			continue
		}
		if _, ok := cfg.Checks[spec.OnFail.Goto]; !ok {
			issues = append(issues, domain.Issue{
				RuleID:   id + "/" + domain.RuleSuffixWorkflowForwardRunIgnored,
				Message:  fmt.Sprintf("on_fail.goto %q is outside this workflow and will not forward-run into the caller's graph", spec.OnFail.Goto),
				Severity: domain.SeverityWarning,
				Category: domain.CategoryLogic,
			})
		}
	}
	return issues
}

func buildSummary(results []dispatcher.Result, trace domain.RoutingTrace, start time.Time) RunSummary {
	var issues []domain.Issue
	successCount, failureCount := 0, 0
	for _, r := range results {
		issues = append(issues, r.Summary.Issues...)
		if r.Fatal {
			failureCount++
		} else if !r.Skipped {
			successCount++
		}
	}
	return RunSummary{
		Checks: results,
		Issues: issues,
		Stats: Stats{
			DurationMs:   time.Since(start).Milliseconds(),
			SuccessCount: successCount,
			FailureCount: failureCount,
		},
		Routing: trace,
	}
}

// HasCriticalIssue reports whether summary carries any
// severity=critical issue, the canonical signal for a failed run that
// external CLI wrappers use to pick an exit code.
func (s RunSummary) HasCriticalIssue() bool {
	for _, iss := range s.Issues {
		if iss.Severity == domain.SeverityCritical {
			return true
		}
	}
	return false
}
