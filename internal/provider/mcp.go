package provider

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/jsonextract"
	"github.com/visor-run/visor/internal/template"
)

// MCPConfig is the `mcp` check type's provider-specific configuration:
// a server to launch over the stdio transport, a tool to call, and its
// arguments.
type MCPConfig struct {
	Command   string         `json:"command"`
	Args      []string       `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// MCPProvider launches an MCP server over stdio per call and calls a
// single tool on it, extracting issues from the tool's text content the
// same way other providers extract issues from free text.
type MCPProvider struct {
	renderer *template.Renderer
	client   *mcp.Client
}

// NewMCPProvider constructs an MCPProvider. Each Execute call dials a
// fresh stdio session, since check configs can point at different
// servers and sessions are cheap to spin up for a single tool call.
func NewMCPProvider(renderer *template.Renderer) *MCPProvider {
	return &MCPProvider{
		renderer: renderer,
		client:   mcp.NewClient(&mcp.Implementation{Name: "visor", Version: "0.1.0"}, nil),
	}
}

func (p *MCPProvider) Name() string        { return "mcp" }
func (p *MCPProvider) Description() string { return "calls a tool on an MCP server over stdio" }
func (p *MCPProvider) SupportedKeys() []string {
	return []string{"command", "args", "env", "tool", "arguments"}
}
func (p *MCPProvider) Requirements() []string { return []string{"an MCP server binary on PATH"} }

func (p *MCPProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[MCPConfig](spec.Config)
	return err == nil && cfg.Command != "" && cfg.Tool != ""
}

func (p *MCPProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[MCPConfig](spec.Config)
	if err != nil || cfg.Command == "" || cfg.Tool == "" {
		return domain.ReviewSummary{}, fmt.Errorf("mcp provider: missing command/tool in check %q config: %w", spec.ID, err)
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	session, err := p.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("mcp", spec.ID, "connect to MCP server failed", err, true)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      cfg.Tool,
		Arguments: cfg.Arguments,
	})
	if err != nil {
		return domain.ReviewSummary{}, domainerrors.NewProviderError("mcp", spec.ID, fmt.Sprintf("call tool %q failed", cfg.Tool), err, true)
	}

	var text strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}

	content := strings.TrimSpace(text.String())
	issues, output := jsonextract.Issues(content)

	if result.IsError {
		return domain.ReviewSummary{
			Issues: append(issues, domain.Issue{
				RuleID:   spec.ID + "/mcp_tool_error",
				Message:  fmt.Sprintf("tool %q reported an error: %s", cfg.Tool, content),
				Severity: domain.SeverityError,
				Category: domain.CategoryLogic,
			}),
			Output:  output,
			Content: content,
		}, nil
	}

	return domain.ReviewSummary{
		Issues:  issues,
		Output:  output,
		Content: content,
	}, nil
}
