package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
)

func TestParse_ValidConfig(t *testing.T) {
	yaml := []byte(`
checks:
  lint:
    type: command
    config:
      command: "eslint ."
  summarize:
    type: ai
    depends_on: [lint]
limits:
  max_runs_per_check: 10
routing:
  max_loops: 3
`)
	cfg, err := Parse(yaml)
	require.NoError(t, err)
	require.Len(t, cfg.Checks, 2)
	assert.Equal(t, "lint", cfg.Checks["lint"].ID)
	assert.Equal(t, domain.CheckTypeCommand, cfg.Checks["lint"].Type)
	assert.Equal(t, 10, cfg.Limits.MaxRunsPerCheck)
	assert.Equal(t, 3, cfg.Routing.MaxLoops)
	assert.Equal(t, domain.JoinWaitAll, cfg.Checks["summarize"].JoinStrategy)
}

func TestParse_DefaultsApplied(t *testing.T) {
	yaml := []byte(`
checks:
  noop:
    type: noop
`)
	cfg, err := Parse(yaml)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultLimits().MaxRunsPerCheck, cfg.Limits.MaxRunsPerCheck)
	assert.Equal(t, domain.DefaultRouting().MaxLoops, cfg.Routing.MaxLoops)
	assert.Equal(t, domain.DefaultLimits().MaxRunsPerCheck, cfg.Checks["noop"].MaxRuns)
}

func TestParse_UnknownDependency(t *testing.T) {
	yaml := []byte(`
checks:
  a:
    type: noop
    depends_on: [missing]
`)
	_, err := Parse(yaml)
	require.Error(t, err)
	errs, ok := err.(interface{ HasErrors() bool })
	require.True(t, ok)
	assert.True(t, errs.HasErrors())
}

func TestParse_Cycle(t *testing.T) {
	yaml := []byte(`
checks:
  a:
    type: noop
    depends_on: [b]
  b:
    type: noop
    depends_on: [a]
`)
	_, err := Parse(yaml)
	assert.Error(t, err)
}

func TestParse_UnknownType(t *testing.T) {
	yaml := []byte(`
checks:
  a:
    type: not-a-real-type
`)
	_, err := Parse(yaml)
	assert.Error(t, err)
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("checks: [this, is, a, list, not, a, map]"))
	assert.Error(t, err)
}

func TestParse_RejectsInvalidSchedule(t *testing.T) {
	yaml := []byte(`
checks:
  noop:
    type: noop
schedules:
  - id: nightly
    creator_id: ops
    kind: recurring
    expression: "not a cron"
    workflow_ref: checks.yaml
`)
	_, err := Parse(yaml)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nightly")
}

func TestParse_AcceptsValidSchedules(t *testing.T) {
	yaml := []byte(`
checks:
  noop:
    type: noop
schedules:
  - id: nightly
    creator_id: ops
    kind: recurring
    expression: "0 2 * * *"
    workflow_ref: checks.yaml
  - id: once
    creator_id: ops
    kind: oneTime
    expression: "2027-01-01T00:00:00Z"
    workflow_ref: checks.yaml
`)
	cfg, err := Parse(yaml)
	require.NoError(t, err)
	require.Len(t, cfg.Schedules, 2)
	assert.Equal(t, domain.ScheduleKindOneTime, cfg.Schedules[1].Kind)
}
