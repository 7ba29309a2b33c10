package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	domainerrors "github.com/visor-run/visor/internal/domain/errors"
)

// RunScript executes source as a goja JavaScript program used for
// `transform_js`, `goto_js`, `run_js`, and `ai_*_js`. A fresh VM is
// created per call: goja has no filesystem, network, or process API by
// construction, so the only capability surface is whatever scope
// exposes. The script's result (the value of an explicit `return`, or
// of a single bare expression, see autoReturn) is exported via a JSON round-trip so
// callers receive plain Go data, not a goja.Value.
func (s *Sandbox) RunScript(source string, scope Scope, opts Options) (any, error) {
	if source == "" {
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorSyntax, source, fmt.Errorf("empty script"))
	}

	// compile the wrapped form: scripts are function bodies, so a bare
	// top-level `return` is legal input here
	program, err := goja.Compile("predicate.js", wrapExpression(source), false)
	if err != nil {
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorSyntax, source, err)
	}

	type runResult struct {
		val any
		err error
	}
	done := make(chan runResult, 1)
	vm := goja.New()
	vm.SetMaxCallStackSize(256)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{nil, fmt.Errorf("panic: %v", r)}
			}
		}()

		for name, fn := range builtins(scope, s, opts) {
			_ = vm.Set(name, fn)
		}
		for k, v := range scope {
			_ = vm.Set(k, v)
		}

		v, err := vm.RunProgram(program)
		if err != nil {
			done <- runResult{nil, err}
			return
		}
		done <- runResult{exportJSON(v), nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ie, ok := r.err.(*goja.InterruptedError); ok {
				return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorTimeout, source, ie)
			}
			return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorRuntime, source, r.err)
		}
		return r.val, nil
	case <-time.After(opts.timeout()):
		vm.Interrupt("timeout")
		<-done
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorTimeout, source, fmt.Errorf("exceeded %s", opts.timeout()))
	}
}

// wrapExpression lets callers write either a bare expression
// ("outputs.foo.length > 0") or a full statement body; an IIFE makes
// both evaluate to a single completion value goja can export.
func wrapExpression(source string) string {
	return "(function(){ " + autoReturn(source) + " })()"
}

// autoReturn prefixes the body with `return` when it contains none of
// `return`, `{`, `;` or a newline (a plain substring test), so the
// common case ("goto_js: \"nextCheck\"") doesn't require the author to
// write an explicit return statement. Any other body is left untouched
// and yields nil unless it returns a value explicitly.
func autoReturn(source string) string {
	for _, tok := range []string{"return", "{", ";", "\n"} {
		if containsToken(source, tok) {
			return source
		}
	}
	return "return (" + source + ");"
}

func containsToken(s, tok string) bool {
	for i := 0; i+len(tok) <= len(s); i++ {
		if s[i:i+len(tok)] == tok {
			return true
		}
	}
	return false
}

func exportJSON(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	switch exported.(type) {
	case string, bool, int64, float64, nil:
		return exported
	default:
		b, err := json.Marshal(exported)
		if err != nil {
			return exported
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return exported
		}
		return out
	}
}
