package provider

import (
	"strings"

	"github.com/visor-run/visor/internal/domain"
	"github.com/visor-run/visor/internal/template"
)

// BuildScope assembles the fixed template/sandbox scope
// from the PR event payload and this check's dependency results. Keys
// of deps ending in "-raw" populate outputs_raw instead of outputs, per
// the Output Store's raw-alias convention.
func BuildScope(pr PRInfo, deps map[string]domain.ReviewSummary, env map[string]string, args map[string]any, memory any) template.Scope {
	outputs := make(map[string]template.Smart, len(deps))
	raw := make(map[string]template.Smart)
	history := make(map[string][]template.Smart)

	for id, summary := range deps {
		if strings.HasSuffix(id, "-raw") {
			raw[strings.TrimSuffix(id, "-raw")] = template.NewSmart(summary.Output)
			continue
		}
		outputs[id] = template.NewSmart(summary.Output)
		if summary.Raw != nil {
			raw[id] = template.NewSmart(summary.Raw)
		}
		if len(summary.History) > 0 {
			entries := make([]template.Smart, len(summary.History))
			for i, h := range summary.History {
				entries[i] = template.NewSmart(h.Output)
			}
			history[id] = entries
		}
	}

	return template.Scope{
		PR:             map[string]any(pr.Event),
		Files:          pr.Files,
		Outputs:        outputs,
		OutputsHistory: history,
		OutputsRaw:     raw,
		Env:            env,
		Args:           args,
		Memory:         memory,
	}
}
