package provider

import (
	"github.com/rs/zerolog"

	"github.com/visor-run/visor/internal/domain"
	"github.com/visor-run/visor/internal/memorystore"
	"github.com/visor-run/visor/internal/template"
)

// Deps bundles the shared, run-scoped collaborators every built-in
// provider needs at construction time.
type Deps struct {
	Renderer      *template.Renderer
	MemoryStore   *memorystore.Store
	Logger        zerolog.Logger
	DefaultAIKey  string
	DefaultModel  string
	WorkflowRun   WorkflowRunFunc
}

// NewDefaultRegistry builds a Registry with every built-in check type
// registered. internal/runner calls this once per run
// and later wires in WorkflowRunFunc via the returned WorkflowProvider
// if deps.WorkflowRun was not yet available at construction time.
func NewDefaultRegistry(deps Deps) (*Registry, *WorkflowProvider) {
	reg := NewRegistry()

	reg.Register(domain.CheckTypeAI, NewAIProvider(deps.Renderer, deps.DefaultAIKey, deps.DefaultModel))
	reg.Register(domain.CheckTypeCommand, NewCommandProvider(deps.Renderer))
	reg.Register(domain.CheckTypeHTTP, NewHTTPProvider(deps.Renderer))
	reg.Register(domain.CheckTypeMCP, NewMCPProvider(deps.Renderer))
	reg.Register(domain.CheckTypeMemory, NewMemoryProvider(deps.Renderer, deps.MemoryStore))
	reg.Register(domain.CheckTypeLog, NewLogProvider(deps.Renderer, deps.Logger))
	reg.Register(domain.CheckTypeNoop, NewNoopProvider())

	wf := NewWorkflowProvider(deps.WorkflowRun)
	reg.Register(domain.CheckTypeWorkflow, wf)

	return reg, wf
}
