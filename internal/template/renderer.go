// Package template implements the Template Renderer:
// two dialects: declarative {{ }}/{% %} tags resolved by dotted-path
// lookup over a fixed scope, then any tag the declarative pass could
// not resolve falls back to a sandboxed expr-lang expression, all over the
// scope { pr, files, outputs, outputs_history, outputs_raw, env, args,
// memory }.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/visor-run/visor/internal/sandbox"
)

var (
	forPattern = regexp.MustCompile(`(?s)\{%\s*for\s+(\w+)\s+in\s+([\w.]+)\s*%\}(.*?)\{%\s*endfor\s*%\}`)
	ifPattern  = regexp.MustCompile(`(?s)\{%\s*if\s+(.+?)\s*%\}(.*?)(?:\{%\s*else\s*%\}(.*?))?\{%\s*endif\s*%\}`)
	tagPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)
)

// Renderer renders strings over a Scope, falling back to the Predicate
// Sandbox's expr-lang dialect for anything the declarative pass leaves
// unresolved.
type Renderer struct {
	sb   *sandbox.Sandbox
	opts sandbox.Options
}

// New constructs a Renderer backed by sb. opts.TimeoutMs bounds each
// fallback-expression evaluation (default 1000ms via sandbox.Options's
// own zero-value handling).
func New(sb *sandbox.Sandbox, opts sandbox.Options) *Renderer {
	return &Renderer{sb: sb, opts: opts}
}

// Render renders s over scope. Declarative tags that cannot be resolved
// (missing path, loop source not iterable) are evaluated as sandboxed
// expressions; any value still unresolved after both passes becomes the
// empty string, never an error. Rendering is always lenient.
func (r *Renderer) Render(s string, scope Scope) (string, error) {
	vars := scope.ToMap()
	return r.render(s, vars, 0), nil
}

const maxControlDepth = 8

func (r *Renderer) render(s string, vars map[string]any, depth int) string {
	if depth > maxControlDepth {
		return s
	}
	if strings.Contains(s, "{%") {
		s = r.expandFor(s, vars, depth)
		s = r.expandIf(s, vars, depth)
	}
	if strings.Contains(s, "{{") {
		s = r.substituteTags(s, vars)
	}
	return s
}

func (r *Renderer) expandFor(s string, vars map[string]any, depth int) string {
	for {
		loc := forPattern.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		m := forPattern.FindStringSubmatch(s)
		itemVar, listPath, body := m[1], m[2], m[3]

		items, _ := getNestedValue(vars, listPath)
		var rendered strings.Builder
		for _, item := range toSlice(items) {
			childVars := make(map[string]any, len(vars)+1)
			for k, v := range vars {
				childVars[k] = v
			}
			childVars[itemVar] = item
			rendered.WriteString(r.render(body, childVars, depth+1))
		}
		s = s[:loc[0]] + rendered.String() + s[loc[1]:]
	}
}

func (r *Renderer) expandIf(s string, vars map[string]any, depth int) string {
	for {
		loc := ifPattern.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		m := ifPattern.FindStringSubmatch(s)
		cond, thenBody, elseBody := m[1], m[2], m[3]

		ok, err := r.sb.EvalBool(cond, sandbox.Scope(vars), r.opts)
		var out string
		if err == nil && ok {
			out = r.render(thenBody, vars, depth+1)
		} else if elseBody != "" {
			out = r.render(elseBody, vars, depth+1)
		}
		s = s[:loc[0]] + out + s[loc[1]:]
	}
}

// substituteTags performs the {{ }} declarative lookup pass, falling
// each unresolved tag through to a sandboxed expr-lang evaluation.
func (r *Renderer) substituteTags(s string, vars map[string]any) string {
	return tagPattern.ReplaceAllStringFunc(s, func(tag string) string {
		expr := tagPattern.FindStringSubmatch(tag)[1]

		if v, ok := getNestedValue(vars, expr); ok {
			return stringify(v)
		}

		v, err := r.sb.EvalExpr(expr, sandbox.Scope(vars), r.opts)
		if err != nil || v == nil {
			return ""
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func toSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case Smart:
		if parsed, ok := t.AsParsed().([]any); ok {
			return parsed
		}
	}
	return nil
}
