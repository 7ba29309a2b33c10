// Package checkconfig provides a fluent builder API for constructing a
// domain.Config / domain.CheckSpec map programmatically, for embedding
// code and tests that would rather not hand-author YAML.
package checkconfig

import "github.com/visor-run/visor/internal/domain"

// RouteBuilder constructs a domain.Route (on_init/on_success/on_fail/
// on_finish clause).
type RouteBuilder struct {
	r domain.Route
}

func NewRoute() *RouteBuilder { return &RouteBuilder{} }

func (b *RouteBuilder) Goto(id string) *RouteBuilder   { b.r.Goto = id; return b }
func (b *RouteBuilder) GotoJS(src string) *RouteBuilder { b.r.GotoJS = src; return b }
func (b *RouteBuilder) RunJS(src string) *RouteBuilder  { b.r.RunJS = src; return b }
func (b *RouteBuilder) Retry(maxAttempts int, backoff string) *RouteBuilder {
	b.r.Retry = &domain.RetrySpec{MaxAttempts: maxAttempts, Backoff: backoff}
	return b
}
func (b *RouteBuilder) Run(items ...domain.RunItem) *RouteBuilder {
	b.r.Run = append(b.r.Run, items...)
	return b
}
func (b *RouteBuilder) Build() *domain.Route { return &b.r }

// RunStep returns a RunItem invoking an existing check by id.
func RunStep(id string) domain.RunItem { return domain.RunItem{ID: id} }

// RunTool returns a RunItem invoking a named tool.
func RunTool(tool string, with map[string]any, as string) domain.RunItem {
	return domain.RunItem{Tool: tool, With: with, As: as}
}

// RunWorkflow returns a RunItem invoking a nested workflow reference.
func RunWorkflow(ref string, with map[string]any, as string) domain.RunItem {
	return domain.RunItem{Workflow: ref, With: with, As: as}
}
