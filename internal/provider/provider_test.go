package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visor-run/visor/internal/domain"
	"github.com/visor-run/visor/internal/memorystore"
	"github.com/visor-run/visor/internal/sandbox"
	"github.com/visor-run/visor/internal/template"
)

func testRenderer() *template.Renderer {
	return template.New(sandbox.New(nil), sandbox.Options{TimeoutMs: 2000})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(domain.CheckTypeNoop, NewNoopProvider())

	p, ok := reg.Get(domain.CheckTypeNoop)
	require.True(t, ok)
	assert.Equal(t, "noop", p.Name())

	_, ok = reg.Get(domain.CheckTypeAI)
	assert.False(t, ok)

	_, err := reg.MustGet(domain.CheckTypeAI)
	assert.Error(t, err)
}

func TestNewDefaultRegistry_CoversEveryCheckType(t *testing.T) {
	reg, wf := NewDefaultRegistry(Deps{
		Renderer:    testRenderer(),
		MemoryStore: memorystore.New(),
		Logger:      zerolog.Nop(),
	})
	require.NotNil(t, wf)

	for _, ct := range []domain.CheckType{
		domain.CheckTypeAI, domain.CheckTypeCommand, domain.CheckTypeHTTP,
		domain.CheckTypeMCP, domain.CheckTypeWorkflow, domain.CheckTypeLog,
		domain.CheckTypeMemory, domain.CheckTypeNoop,
	} {
		_, ok := reg.Get(ct)
		assert.True(t, ok, "missing provider for %s", ct)
	}
}

func TestParseConfig_TypedDecode(t *testing.T) {
	cfg, err := parseConfig[CommandConfig](map[string]any{
		"command":     "echo hi",
		"timeout_sec": 5.0, // YAML numbers decode as float64
		"env":         map[string]any{"K": "v"},
	})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", cfg.Command)
	assert.Equal(t, 5, cfg.TimeoutSec)
	assert.Equal(t, "v", cfg.Env["K"])
}

func TestCommandProvider_StdoutBecomesOutput(t *testing.T) {
	p := NewCommandProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "greet", Type: domain.CheckTypeCommand,
		Config: map[string]any{"command": "echo hello"}}
	require.True(t, p.Validate(spec))

	summary, err := p.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.NoError(t, err)
	assert.Empty(t, summary.Issues)
	assert.Equal(t, "hello", summary.Output)
	assert.Equal(t, "hello", summary.Content)
}

func TestCommandProvider_EmbeddedIssuesJSON(t *testing.T) {
	p := NewCommandProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "scan", Type: domain.CheckTypeCommand,
		Config: map[string]any{
			"command": `echo '{"issues":[{"ruleId":"scan/found","message":"bad","severity":"error"}]}'`,
		}}

	summary, err := p.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.NoError(t, err)
	require.Len(t, summary.Issues, 1)
	assert.Equal(t, "scan/found", summary.Issues[0].RuleID)
}

func TestCommandProvider_NonZeroExitIsAnIssueNotAnError(t *testing.T) {
	p := NewCommandProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "broken", Type: domain.CheckTypeCommand,
		Config: map[string]any{"command": "exit 3"}}

	summary, err := p.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.NoError(t, err)
	require.Len(t, summary.Issues, 1)
	assert.Equal(t, "broken/command_failed", summary.Issues[0].RuleID)
	assert.Equal(t, domain.SeverityError, summary.Issues[0].Severity)
}

func TestCommandProvider_RendersDepOutputs(t *testing.T) {
	p := NewCommandProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "use-dep", Type: domain.CheckTypeCommand,
		Config: map[string]any{"command": "echo {{outputs.upstream}}"}}
	deps := map[string]domain.ReviewSummary{
		"upstream": {Output: "from-upstream"},
	}

	summary, err := p.Execute(context.Background(), PRInfo{}, spec, deps, ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "from-upstream", summary.Output)
}

func TestHTTPProvider_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issues":[{"ruleId":"remote/x","message":"m","severity":"warning"}],"output":"done"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "call", Type: domain.CheckTypeHTTP,
		Config: map[string]any{"url": srv.URL}}
	require.True(t, p.Validate(spec))

	summary, err := p.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.NoError(t, err)
	require.Len(t, summary.Issues, 1)
	assert.Equal(t, "remote/x", summary.Issues[0].RuleID)
	assert.Equal(t, "done", summary.Output)
}

func TestHTTPProvider_ClientErrorStatusIsAnIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "call", Type: domain.CheckTypeHTTP,
		Config: map[string]any{"url": srv.URL}}

	summary, err := p.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.NoError(t, err)
	require.Len(t, summary.Issues, 1)
	assert.Equal(t, "call/http_status", summary.Issues[0].RuleID)
}

func TestHTTPProvider_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(testRenderer())
	spec := &domain.CheckSpec{ID: "call", Type: domain.CheckTypeHTTP,
		Config: map[string]any{"url": srv.URL}}

	_, err := p.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.Error(t, err)
}

func TestMemoryProvider_Operations(t *testing.T) {
	store := memorystore.New()
	p := NewMemoryProvider(testRenderer(), store)
	ctx := context.Background()

	exec := func(cfg map[string]any) domain.ReviewSummary {
		t.Helper()
		spec := &domain.CheckSpec{ID: "mem", Type: domain.CheckTypeMemory, Config: cfg}
		summary, err := p.Execute(ctx, PRInfo{}, spec, nil, ExecContext{})
		require.NoError(t, err)
		return summary
	}

	exec(map[string]any{"op": "set", "key": "name", "value": "visor"})
	got := exec(map[string]any{"op": "get", "key": "name"})
	assert.Equal(t, "visor", got.Output)

	exec(map[string]any{"op": "append", "key": "log", "value": "first"})
	appended := exec(map[string]any{"op": "append", "key": "log", "value": "second"})
	assert.Equal(t, []any{"first", "second"}, appended.Output)

	bumped := exec(map[string]any{"op": "increment", "key": "count", "delta": 2.0})
	assert.Equal(t, 2.0, bumped.Output)

	exec(map[string]any{"op": "delete", "key": "name"})
	gone := exec(map[string]any{"op": "get", "key": "name"})
	assert.Nil(t, gone.Output)
}

func TestMemoryProvider_ValidateRejectsUnknownOp(t *testing.T) {
	p := NewMemoryProvider(testRenderer(), memorystore.New())
	assert.False(t, p.Validate(&domain.CheckSpec{Config: map[string]any{"op": "explode", "key": "k"}}))
	assert.True(t, p.Validate(&domain.CheckSpec{Config: map[string]any{"op": "set", "key": "k"}}))
}

func TestBuildScope_RawAliasAndHistory(t *testing.T) {
	deps := map[string]domain.ReviewSummary{
		"items":     {Output: 2.0},
		"items-raw": {Output: []any{1.0, 2.0, 3.0}},
		"proc": {
			Output: "latest",
			History: []domain.ReviewSummary{
				{Output: "first"}, {Output: "latest"},
			},
		},
	}

	scope := BuildScope(PRInfo{Event: EventData{"title": "t"}}, deps, nil, nil, nil)

	assert.Contains(t, scope.Outputs, "items")
	assert.NotContains(t, scope.Outputs, "items-raw")
	raw, ok := scope.OutputsRaw["items"]
	require.True(t, ok)
	arr, isArr := raw.AsParsed().([]any)
	require.True(t, isArr)
	assert.Len(t, arr, 3)

	hist, ok := scope.OutputsHistory["proc"]
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.Equal(t, "first", hist[0].AsString())
}

func TestWorkflowProvider_RunFuncWiring(t *testing.T) {
	wf := NewWorkflowProvider(nil)
	spec := &domain.CheckSpec{ID: "sub", Type: domain.CheckTypeWorkflow,
		Config: map[string]any{"ref": "sub.yaml"}}
	require.True(t, wf.Validate(spec))

	_, err := wf.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.Error(t, err, "an unwired workflow provider must fail loudly")

	wf.SetRunFunc(func(ctx context.Context, ref string, inputs map[string]any) (domain.ReviewSummary, error) {
		assert.Equal(t, "sub.yaml", ref)
		return domain.ReviewSummary{Output: "sub-done"}, nil
	})
	summary, err := wf.Execute(context.Background(), PRInfo{}, spec, nil, ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "sub-done", summary.Output)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider()
	summary, err := p.Execute(context.Background(), PRInfo{}, &domain.CheckSpec{ID: "n"}, nil, ExecContext{})
	require.NoError(t, err)
	assert.Empty(t, summary.Issues)
}
