package provider

import (
	"context"
	"fmt"

	"github.com/visor-run/visor/internal/domain"
	"github.com/visor-run/visor/internal/memorystore"
	"github.com/visor-run/visor/internal/template"
)

// MemoryConfig is the `memory` check type's provider-specific
// configuration: a single operation against the run's Memory Store
//, its key, and an operand for set/append/increment.
type MemoryConfig struct {
	Namespace string `json:"namespace,omitempty"`
	Op        string `json:"op"`
	Key       string `json:"key"`
	Value     any    `json:"value,omitempty"`
	Delta     float64 `json:"delta,omitempty"`
}

// MemoryProvider lets a check mutate or read the shared Memory Store
// directly, independent of template/predicate `memory.*` access.
type MemoryProvider struct {
	renderer *template.Renderer
	store    *memorystore.Store
}

// NewMemoryProvider constructs a MemoryProvider bound to the run's
// shared Memory Store.
func NewMemoryProvider(renderer *template.Renderer, store *memorystore.Store) *MemoryProvider {
	return &MemoryProvider{renderer: renderer, store: store}
}

func (p *MemoryProvider) Name() string        { return "memory" }
func (p *MemoryProvider) Description() string { return "reads or mutates the shared memory store" }
func (p *MemoryProvider) SupportedKeys() []string {
	return []string{"namespace", "op", "key", "value", "delta"}
}
func (p *MemoryProvider) Requirements() []string { return nil }

func (p *MemoryProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[MemoryConfig](spec.Config)
	if err != nil || cfg.Key == "" {
		return false
	}
	switch cfg.Op {
	case "get", "set", "append", "increment", "delete":
		return true
	default:
		return false
	}
}

func (p *MemoryProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[MemoryConfig](spec.Config)
	if err != nil || cfg.Key == "" {
		return domain.ReviewSummary{}, fmt.Errorf("memory provider: missing key in check %q config: %w", spec.ID, err)
	}

	switch cfg.Op {
	case "get":
		v, ok := p.store.Get(cfg.Namespace, cfg.Key)
		if !ok {
			return domain.ReviewSummary{Output: nil}, nil
		}
		return domain.ReviewSummary{Output: v}, nil

	case "set":
		p.store.Set(cfg.Namespace, cfg.Key, cfg.Value)
		return domain.ReviewSummary{Output: cfg.Value}, nil

	case "append":
		if err := p.store.Append(cfg.Namespace, cfg.Key, cfg.Value); err != nil {
			return domain.ReviewSummary{}, fmt.Errorf("memory provider: check %q: %w", spec.ID, err)
		}
		v, _ := p.store.Get(cfg.Namespace, cfg.Key)
		return domain.ReviewSummary{Output: v}, nil

	case "increment":
		n, err := p.store.Increment(cfg.Namespace, cfg.Key, cfg.Delta)
		if err != nil {
			return domain.ReviewSummary{}, fmt.Errorf("memory provider: check %q: %w", spec.ID, err)
		}
		return domain.ReviewSummary{Output: n}, nil

	case "delete":
		p.store.Delete(cfg.Namespace, cfg.Key)
		return domain.ReviewSummary{}, nil

	default:
		return domain.ReviewSummary{}, fmt.Errorf("memory provider: unsupported op %q in check %q", cfg.Op, spec.ID)
	}
}
