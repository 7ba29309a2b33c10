package provider

import (
	"context"

	"github.com/visor-run/visor/internal/domain"
)

// NoopProvider always succeeds with an empty ReviewSummary. Useful as a
// routing placeholder (e.g. a check that exists purely to fan in
// `depends_on` edges or mark a forEach join point). It is registered
// only for the noop check type; the registry has no fallback provider.
type NoopProvider struct{}

// NewNoopProvider constructs a NoopProvider.
func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

func (p *NoopProvider) Name() string            { return "noop" }
func (p *NoopProvider) Description() string     { return "does nothing and always succeeds" }
func (p *NoopProvider) SupportedKeys() []string  { return nil }
func (p *NoopProvider) Requirements() []string   { return nil }
func (p *NoopProvider) Validate(spec *domain.CheckSpec) bool { return true }

func (p *NoopProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	return domain.ReviewSummary{}, nil
}
