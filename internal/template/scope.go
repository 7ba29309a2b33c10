package template

// Scope is the fixed variable surface granted to template strings: PR
// metadata, the changed file list, each dependency's
// output (JSON-smart), its per-iteration history, its pre-fan-out raw
// aggregate, process environment, run args, and the Memory Store.
type Scope struct {
	PR             any
	Files          any
	Outputs        map[string]Smart
	OutputsHistory map[string][]Smart
	OutputsRaw     map[string]Smart
	Env            map[string]string
	Args           map[string]any
	Memory         any
}

// ToMap flattens the Scope into the map the renderer and sandbox walk.
// Smart values are kept as Smart (not pre-stringified) so dotted-path
// lookups can traverse into parsed fields while whole-value
// substitution still renders the raw text.
func (s Scope) ToMap() map[string]any {
	outputs := make(map[string]any, len(s.Outputs))
	for k, v := range s.Outputs {
		outputs[k] = v
	}
	raw := make(map[string]any, len(s.OutputsRaw))
	for k, v := range s.OutputsRaw {
		raw[k] = v
	}
	history := make(map[string]any, len(s.OutputsHistory))
	for k, entries := range s.OutputsHistory {
		items := make([]any, len(entries))
		for i, e := range entries {
			items[i] = e
		}
		history[k] = items
	}
	return map[string]any{
		"pr":              s.PR,
		"files":           s.Files,
		"outputs":         outputs,
		"outputs_history": history,
		"outputs_raw":     raw,
		"env":             s.Env,
		"args":            s.Args,
		"memory":          s.Memory,
	}
}
