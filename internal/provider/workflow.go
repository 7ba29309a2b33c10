package provider

import (
	"context"
	"fmt"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
)

// WorkflowConfig is the `workflow` check type's provider-specific
// configuration: a reference to another check config to run as a
// nested sub-run, plus the inputs to seed it with.
type WorkflowConfig struct {
	Ref    string         `json:"ref"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// WorkflowRunFunc invokes a nested run and returns its aggregate
// summary. internal/runner supplies the implementation after
// construction: WorkflowProvider cannot import internal/runner
// directly, since internal/runner must import internal/provider to
// build its registry.
type WorkflowRunFunc func(ctx context.Context, ref string, inputs map[string]any) (domain.ReviewSummary, error)

// WorkflowProvider runs another check config as a nested sub-workflow,
// wiring its result back in as this check's ReviewSummary. The nested
// run is dependency-inverted through WorkflowRunFunc to keep
// internal/provider free of a dependency on internal/runner.
type WorkflowProvider struct {
	run WorkflowRunFunc
}

// NewWorkflowProvider constructs a WorkflowProvider. run is nil until
// internal/runner calls SetRunFunc once its Run Controller exists.
func NewWorkflowProvider(run WorkflowRunFunc) *WorkflowProvider {
	return &WorkflowProvider{run: run}
}

// SetRunFunc wires the nested-run callback in after both the provider
// registry and the Run Controller have been constructed.
func (p *WorkflowProvider) SetRunFunc(run WorkflowRunFunc) { p.run = run }

func (p *WorkflowProvider) Name() string        { return "workflow" }
func (p *WorkflowProvider) Description() string { return "runs another check config as a nested sub-run" }
func (p *WorkflowProvider) SupportedKeys() []string { return []string{"ref", "inputs"} }
func (p *WorkflowProvider) Requirements() []string  { return nil }

func (p *WorkflowProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[WorkflowConfig](spec.Config)
	return err == nil && cfg.Ref != ""
}

func (p *WorkflowProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[WorkflowConfig](spec.Config)
	if err != nil || cfg.Ref == "" {
		return domain.ReviewSummary{}, fmt.Errorf("workflow provider: missing ref in check %q config: %w", spec.ID, err)
	}
	if p.run == nil {
		return domain.ReviewSummary{}, domainerrors.NewInternalError("workflow provider: no run function wired", nil)
	}

	summary, err := p.run(ctx, cfg.Ref, cfg.Inputs)
	if err != nil {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("workflow", spec.ID, fmt.Sprintf("nested run %q failed", cfg.Ref), err, false)
	}
	return summary, nil
}
