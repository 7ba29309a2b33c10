package provider

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/visor-run/visor/internal/domain"
	"github.com/visor-run/visor/internal/template"
)

// LogConfig is the `log` check type's provider-specific configuration:
// a rendered message and level, used for run-annotation checks that
// have no findings of their own (e.g. milestones in a routing chain).
type LogConfig struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// LogProvider renders a message and emits it through the run's logger,
// producing a ReviewSummary whose Content is the rendered message, with
// no issues and no output.
type LogProvider struct {
	renderer *template.Renderer
	logger   zerolog.Logger
}

// NewLogProvider constructs a LogProvider bound to the run's logger.
func NewLogProvider(renderer *template.Renderer, logger zerolog.Logger) *LogProvider {
	return &LogProvider{renderer: renderer, logger: logger}
}

func (p *LogProvider) Name() string            { return "log" }
func (p *LogProvider) Description() string     { return "renders and emits a log message" }
func (p *LogProvider) SupportedKeys() []string  { return []string{"message", "level"} }
func (p *LogProvider) Requirements() []string   { return nil }

func (p *LogProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[LogConfig](spec.Config)
	return err == nil && cfg.Message != ""
}

func (p *LogProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[LogConfig](spec.Config)
	if err != nil || cfg.Message == "" {
		return domain.ReviewSummary{}, nil
	}

	scope := BuildScope(pr, deps, envMap(), nil, nil)
	message, err := p.renderer.Render(cfg.Message, scope)
	if err != nil {
		message = cfg.Message
	}

	event := p.logger.Info()
	switch cfg.Level {
	case "debug":
		event = p.logger.Debug()
	case "warn", "warning":
		event = p.logger.Warn()
	case "error":
		event = p.logger.Error()
	}
	event.Str("check", spec.ID).Msg(message)

	return domain.ReviewSummary{Content: message}, nil
}
