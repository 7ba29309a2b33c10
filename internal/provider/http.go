package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/jsonextract"
	"github.com/visor-run/visor/internal/template"
	"github.com/visor-run/visor/internal/utils"
)

// HTTPConfig is the `http_client` check type's provider-specific
// configuration.
type HTTPConfig struct {
	URL        string            `json:"url"`
	Method     string            `json:"method,omitempty"`
	Body       any               `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
}

// HTTPProvider issues a rendered HTTP request and extracts issues from
// the JSON (or text) response body.
type HTTPProvider struct {
	renderer *template.Renderer
	client   *http.Client
}

// NewHTTPProvider constructs an HTTPProvider with a 30s default client
// timeout, overridden per-check by HTTPConfig.TimeoutSec.
func NewHTTPProvider(renderer *template.Renderer) *HTTPProvider {
	return &HTTPProvider{renderer: renderer, client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *HTTPProvider) Name() string        { return "http_client" }
func (p *HTTPProvider) Description() string { return "issues a rendered HTTP request" }
func (p *HTTPProvider) SupportedKeys() []string {
	return []string{"url", "method", "body", "headers", "timeout_sec"}
}
func (p *HTTPProvider) Requirements() []string { return nil }

func (p *HTTPProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[HTTPConfig](spec.Config)
	return err == nil && cfg.URL != ""
}

func (p *HTTPProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[HTTPConfig](spec.Config)
	if err != nil || cfg.URL == "" {
		return domain.ReviewSummary{}, fmt.Errorf("http_client provider: missing url in check %q config: %w", spec.ID, err)
	}

	scope := BuildScope(pr, deps, envMap(), nil, nil)
	url, err := p.renderer.Render(cfg.URL, scope)
	if err != nil {
		return domain.ReviewSummary{}, fmt.Errorf("http_client provider: render url: %w", err)
	}

	method := utils.DefaultValue(cfg.Method, http.MethodGet)

	var body io.Reader
	if cfg.Body != nil {
		switch v := cfg.Body.(type) {
		case string:
			rendered, err := p.renderer.Render(v, scope)
			if err != nil {
				return domain.ReviewSummary{}, fmt.Errorf("http_client provider: render body: %w", err)
			}
			body = strings.NewReader(rendered)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return domain.ReviewSummary{}, fmt.Errorf("http_client provider: marshal body: %w", err)
			}
			body = bytes.NewReader(b)
		}
	}

	client := p.client
	runCtx := ctx
	if cfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSec)*time.Second)
		defer cancel()
		perCheck := *p.client
		perCheck.Timeout = 0
		client = &perCheck
	}

	req, err := http.NewRequestWithContext(runCtx, method, url, body)
	if err != nil {
		return domain.ReviewSummary{}, fmt.Errorf("http_client provider: build request: %w", err)
	}
	for k, v := range cfg.Headers {
		rendered, err := p.renderer.Render(v, scope)
		if err != nil {
			return domain.ReviewSummary{}, fmt.Errorf("http_client provider: render header %q: %w", k, err)
		}
		req.Header.Set(k, rendered)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("http_client", spec.ID, "request failed", err, true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("http_client", spec.ID, "read response failed", err, true)
	}

	text := string(respBody)
	issues, output := jsonextract.Issues(text)

	summary := domain.ReviewSummary{Issues: issues, Output: output, Content: strings.TrimSpace(text)}
	if resp.StatusCode >= 500 {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("http_client", spec.ID,
			fmt.Sprintf("transient status %d", resp.StatusCode), nil, true)
	}
	if resp.StatusCode >= 400 {
		return summary.WithIssue(domain.Issue{
			RuleID:   spec.ID + "/http_status",
			Message:  fmt.Sprintf("request returned status %d", resp.StatusCode),
			Severity: domain.SeverityError,
			Category: domain.CategoryLogic,
		}), nil
	}
	return summary, nil
}
