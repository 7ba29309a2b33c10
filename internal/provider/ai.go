package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/jsonextract"
	"github.com/visor-run/visor/internal/template"
	"github.com/visor-run/visor/internal/utils"
)

// AIConfig is the `ai` check type's provider-specific configuration.
type AIConfig struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
}

// AIProvider renders a templated prompt and sends it to an
// OpenAI-compatible chat completion endpoint, parsing the response for
// an embedded issues array. API keys resolve config-first, then the
// environment, then the process-wide default.
type AIProvider struct {
	renderer      *template.Renderer
	defaultAPIKey string
	defaultModel  string
}

// NewAIProvider constructs an AIProvider. defaultAPIKey is used when
// neither the check config nor the environment supplies one.
func NewAIProvider(renderer *template.Renderer, defaultAPIKey, defaultModel string) *AIProvider {
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &AIProvider{renderer: renderer, defaultAPIKey: defaultAPIKey, defaultModel: defaultModel}
}

func (p *AIProvider) Name() string        { return "ai" }
func (p *AIProvider) Description() string { return "renders a prompt and evaluates it against an AI model" }
func (p *AIProvider) SupportedKeys() []string {
	return []string{"prompt", "model", "max_tokens", "temperature", "api_key", "base_url"}
}
func (p *AIProvider) Requirements() []string { return []string{"OPENAI_API_KEY (or api_key/config)"} }

func (p *AIProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[AIConfig](spec.Config)
	return err == nil && cfg.Prompt != ""
}

func (p *AIProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[AIConfig](spec.Config)
	if err != nil || cfg.Prompt == "" {
		return domain.ReviewSummary{}, fmt.Errorf("ai provider: missing prompt in check %q config: %w", spec.ID, err)
	}

	scope := BuildScope(pr, deps, envMap(), nil, nil)
	prompt, err := p.renderer.Render(cfg.Prompt, scope)
	if err != nil {
		return domain.ReviewSummary{}, fmt.Errorf("ai provider: render prompt: %w", err)
	}

	apiKey := utils.Coalesce(cfg.APIKey, os.Getenv("OPENAI_API_KEY"), p.defaultAPIKey)
	if apiKey == "" {
		return domain.ReviewSummary{}, fmt.Errorf("ai provider: no API key resolved for check %q", spec.ID)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	model := utils.DefaultValue(cfg.Model, p.defaultModel)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: cfg.MaxTokens,
		Temperature:         float32(cfg.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("ai", spec.ID, "completion request failed", err, true)
	}
	if len(resp.Choices) == 0 {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("ai", spec.ID, "no completion choices returned", nil, false)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	issues, output := jsonextract.Issues(content)

	return domain.ReviewSummary{
		Issues:  issues,
		Output:  output,
		Content: content,
	}, nil
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
