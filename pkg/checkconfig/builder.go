package checkconfig

import "github.com/visor-run/visor/internal/domain"

// ConfigBuilder assembles a domain.Config one check at a time.
type ConfigBuilder struct {
	c domain.Config
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{c: domain.Config{
		Checks: map[string]*domain.CheckSpec{},
		Tools:  map[string]*domain.CheckSpec{},
	}}
}

func (b *ConfigBuilder) MaxRunsPerCheck(n int) *ConfigBuilder { b.c.Limits.MaxRunsPerCheck = n; return b }
func (b *ConfigBuilder) MaxLoops(n int) *ConfigBuilder        { b.c.Routing.MaxLoops = n; return b }
func (b *ConfigBuilder) FailIf(expr string) *ConfigBuilder    { b.c.FailIf = expr; return b }

func (b *ConfigBuilder) AddCheck(id string, spec *domain.CheckSpec) *ConfigBuilder {
	spec.ID = id
	b.c.Checks[id] = spec
	return b
}

func (b *ConfigBuilder) AddTool(id string, spec *domain.CheckSpec) *ConfigBuilder {
	spec.ID = id
	b.c.Tools[id] = spec
	return b
}

func (b *ConfigBuilder) AddSchedule(s domain.ScheduleDef) *ConfigBuilder {
	b.c.Schedules = append(b.c.Schedules, s)
	return b
}

// Build normalizes and returns the assembled Config. Call
// (*domain.Config).Validate() on the result before using it.
func (b *ConfigBuilder) Build() *domain.Config {
	b.c.Normalize()
	return &b.c
}

// CheckSpecBuilder assembles one domain.CheckSpec.
type CheckSpecBuilder struct {
	s domain.CheckSpec
}

func NewCheck(checkType domain.CheckType) *CheckSpecBuilder {
	return &CheckSpecBuilder{s: domain.CheckSpec{Type: checkType, Config: map[string]any{}}}
}

func (b *CheckSpecBuilder) DependsOn(ids ...string) *CheckSpecBuilder {
	b.s.DependsOn = append(b.s.DependsOn, ids...)
	return b
}
func (b *CheckSpecBuilder) On(events ...domain.EventTrigger) *CheckSpecBuilder {
	b.s.On = append(b.s.On, events...)
	return b
}
func (b *CheckSpecBuilder) If(expr string) *CheckSpecBuilder        { b.s.If = expr; return b }
func (b *CheckSpecBuilder) ForEach() *CheckSpecBuilder              { b.s.ForEach = true; return b }
func (b *CheckSpecBuilder) FailIf(expr string) *CheckSpecBuilder    { b.s.FailIf = expr; return b }
func (b *CheckSpecBuilder) Assume(expr string) *CheckSpecBuilder    { b.s.Assume = expr; return b }
func (b *CheckSpecBuilder) Guarantee(expr string) *CheckSpecBuilder { b.s.Guarantee = expr; return b }

func (b *CheckSpecBuilder) OnInit(r *domain.Route) *CheckSpecBuilder    { b.s.OnInit = r; return b }
func (b *CheckSpecBuilder) OnSuccess(r *domain.Route) *CheckSpecBuilder { b.s.OnSuccess = r; return b }
func (b *CheckSpecBuilder) OnFail(r *domain.Route) *CheckSpecBuilder    { b.s.OnFail = r; return b }
func (b *CheckSpecBuilder) OnFinish(r *domain.Route) *CheckSpecBuilder  { b.s.OnFinish = r; return b }

func (b *CheckSpecBuilder) ConfigKV(k string, v any) *CheckSpecBuilder {
	b.s.Config[k] = v
	return b
}
func (b *CheckSpecBuilder) MaxRuns(n int) *CheckSpecBuilder { b.s.MaxRuns = n; return b }
func (b *CheckSpecBuilder) ContinueOnFailure() *CheckSpecBuilder {
	b.s.ContinueOnFailure = true
	return b
}
func (b *CheckSpecBuilder) Tags(tags ...string) *CheckSpecBuilder {
	b.s.Tags = append(b.s.Tags, tags...)
	return b
}

func (b *CheckSpecBuilder) Build() *domain.CheckSpec {
	out := b.s
	return &out
}
