package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/jsonextract"
	"github.com/visor-run/visor/internal/template"
	"github.com/visor-run/visor/internal/utils"
)

// CommandConfig is the `command` check type's provider-specific
// configuration: a shell command template, working directory, and
// timeout.
type CommandConfig struct {
	Command    string            `json:"command"`
	Shell      string            `json:"shell,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// CommandProvider runs a rendered shell command as a child process.
type CommandProvider struct {
	renderer *template.Renderer
}

// NewCommandProvider constructs a CommandProvider.
func NewCommandProvider(renderer *template.Renderer) *CommandProvider {
	return &CommandProvider{renderer: renderer}
}

func (p *CommandProvider) Name() string        { return "command" }
func (p *CommandProvider) Description() string { return "runs a rendered shell command" }
func (p *CommandProvider) SupportedKeys() []string {
	return []string{"command", "shell", "working_dir", "timeout_sec", "env"}
}
func (p *CommandProvider) Requirements() []string { return []string{"a shell on PATH"} }

func (p *CommandProvider) Validate(spec *domain.CheckSpec) bool {
	cfg, err := parseConfig[CommandConfig](spec.Config)
	return err == nil && cfg.Command != ""
}

func (p *CommandProvider) Execute(ctx context.Context, pr PRInfo, spec *domain.CheckSpec, deps map[string]domain.ReviewSummary, execCtx ExecContext) (domain.ReviewSummary, error) {
	cfg, err := parseConfig[CommandConfig](spec.Config)
	if err != nil || cfg.Command == "" {
		return domain.ReviewSummary{}, fmt.Errorf("command provider: missing command in check %q config: %w", spec.ID, err)
	}

	scope := BuildScope(pr, deps, envMap(), nil, nil)
	command, err := p.renderer.Render(cfg.Command, scope)
	if err != nil {
		return domain.ReviewSummary{}, fmt.Errorf("command provider: render command: %w", err)
	}

	shell := utils.DefaultValue(cfg.Shell, "sh")
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = cfg.WorkingDir
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := strings.TrimSpace(stdout.String())
	issues, output := jsonextract.Issues(out)

	if runErr != nil {
		if runCtx.Err() != nil {
			return domain.ReviewSummary{}, domainerrors.NewProviderError("command", spec.ID,
				fmt.Sprintf("timed out after %s", timeout), runCtx.Err(), true)
		}
		return domain.ReviewSummary{
			Issues: append(issues, domain.Issue{
				RuleID:   spec.ID + "/command_failed",
				Message:  fmt.Sprintf("command exited non-zero: %v: %s", runErr, strings.TrimSpace(stderr.String())),
				Severity: domain.SeverityError,
				Category: domain.CategoryLogic,
			}),
			Output:  output,
			Content: out,
		}, nil
	}

	return domain.ReviewSummary{
		Issues:  issues,
		Output:  output,
		Content: out,
	}, nil
}
