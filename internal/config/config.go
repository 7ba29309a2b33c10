// Package config loads and validates the engine's run configuration
// (the check_id -> CheckSpec map, limits, routing budgets, global
// fail_if, tools, and schedules) from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/visor-run/visor/internal/domain"
	domainerrors "github.com/visor-run/visor/internal/domain/errors"
	"github.com/visor-run/visor/internal/graph"
	"github.com/visor-run/visor/internal/schedule"
)

// Load reads path, decodes it as YAML into a domain.Config, applies
// defaults, and validates it (unknown dependencies, cycles). A non-nil
// ConfigErrors return means the caller must fail fast and run nothing.
func Load(path string) (*domain.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes and validates raw YAML bytes into a domain.Config.
func Parse(b []byte) (*domain.Config, error) {
	var cfg domain.Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, &domainerrors.ConfigError{Kind: "malformed", Message: err.Error()}
	}
	if cfg.Checks == nil {
		cfg.Checks = map[string]*domain.CheckSpec{}
	}
	cfg.Normalize()

	var errs domainerrors.ConfigErrors
	errs = append(errs, cfg.Validate()...)
	if _, gerrs := graph.Build(cfg.Checks); len(gerrs) > 0 {
		errs = append(errs, gerrs...)
	}
	for _, def := range cfg.Schedules {
		if !def.Kind.IsValid() {
			errs = append(errs, &domainerrors.ConfigError{
				Kind: "malformed", Message: fmt.Sprintf("schedule %q: unknown kind %q", def.ID, def.Kind),
			})
			continue
		}
		if err := schedule.ValidateExpression(def.Kind, def.Expression); err != nil {
			errs = append(errs, &domainerrors.ConfigError{
				Kind: "malformed", Message: fmt.Sprintf("schedule %q: %v", def.ID, err),
			})
		}
	}
	if errs.HasErrors() {
		return nil, errs
	}
	return &cfg, nil
}
