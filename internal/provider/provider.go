// Package provider implements the Provider Registry and the concrete
// provider plug-ins behind it. The engine owns retry semantics and
// routing; providers own I/O and content rendering.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/visor-run/visor/internal/domain"
)

// PRInfo is the event payload a run was triggered by: a pull request,
// issue, comment, or manual/scheduled trigger. Providers and the
// sandbox/template scope both read it as a plain map so new front-end
// fields never require a core schema change.
type PRInfo struct {
	Event EventData
	Files []string
	// FilesContent maps changed file path to its patch/content text,
	// used by the sandbox's hasFileWith built-in.
	FilesContent map[string]string
}

// EventData is the permission/actor/event-shape fields the sandbox's
// permission built-ins and templates' `pr` scope entry read.
type EventData map[string]any

// ExecContext carries per-call execution state the engine supplies to
// every provider invocation: the scope address, the attempt number (for
// retries), and the testing mock hook.
type ExecContext struct {
	Scope   domain.Scope
	Attempt int

	// MockForStep lets the embedded test runner substitute a recorded
	// result for checkID instead of invoking the real provider; the
	// core only needs to consult it, never implement recording itself.
	MockForStep func(checkID string) (domain.ReviewSummary, bool)
}

// Provider is the narrow capability set every check-type plug-in
// implements. Providers must be side-effect-safe on
// retry unless the owning CheckSpec carries tags: [critical].
type Provider interface {
	Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error)
	Validate(spec *domain.CheckSpec) bool
	Name() string
	Description() string
	SupportedKeys() []string
	Requirements() []string
}

// Registry looks up a Provider by its CheckType.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.CheckType]Provider
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.CheckType]Provider)}
}

// Register associates a Provider with a CheckType, overwriting any
// previous registration, used both at startup wiring and by tests that
// substitute a fake provider for one type.
func (r *Registry) Register(t domain.CheckType, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[t] = p
}

// Get returns the Provider registered for t, if any.
func (r *Registry) Get(t domain.CheckType) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[t]
	return p, ok
}

// MustGet is a convenience wrapper that turns a missing registration
// into a plain Go error instead of a bool, for call sites (the
// dispatcher) that want an error to propagate.
func (r *Registry) MustGet(t domain.CheckType) (Provider, error) {
	p, ok := r.Get(t)
	if !ok {
		return nil, fmt.Errorf("provider: no provider registered for check type %q", t)
	}
	return p, nil
}
