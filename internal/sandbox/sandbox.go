// Package sandbox implements the Predicate Sandbox: compilation and
// bounded execution of the untrusted expressions and scripts used in
// `if`, `fail_if`, `assume`, `guarantee`, `transform_js`, `goto_js`,
// `run_js`, and `ai_*_js`. Two dialects are supported: an expr-lang
// expression dialect (fast, no I/O surface by construction) and a goja
// JavaScript dialect for the `_js` kinds that need statements, not just
// expressions.
package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	domainerrors "github.com/visor-run/visor/internal/domain/errors"
)

// Scope is the variable mapping exposed to a predicate or script. Only
// the keys present here are ever visible to user code; no ambient
// process state leaks in.
type Scope map[string]any

// Options configures one sandbox call.
type Options struct {
	// TimeoutMs bounds wall-clock execution; callers pick a default per
	// kind.
	TimeoutMs int
	// InjectLog makes the `log(...)` built-in forward to the sandbox's
	// logger instead of being a no-op.
	InjectLog bool
}

func (o Options) timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return time.Second
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// Sandbox compiles and runs predicate expressions and scripts. A single
// Sandbox is safe for concurrent use; each call is single-threaded and
// bounded by its own Options.TimeoutMs, but distinct calls may run on
// distinct goroutines concurrently.
type Sandbox struct {
	mu          sync.RWMutex
	exprCache   map[string]*vm.Program
	enableCache bool
	logger      *zerolog.Logger
}

// New constructs a Sandbox. logger may be nil.
func New(logger *zerolog.Logger) *Sandbox {
	return &Sandbox{
		exprCache:   make(map[string]*vm.Program),
		enableCache: true,
		logger:      logger,
	}
}

func (s *Sandbox) logEvent(msg string, fields map[string]any) {
	if s.logger == nil {
		return
	}
	evt := s.logger.Debug()
	for k, v := range fields {
		evt = evt.Interface(k, v)
	}
	evt.Msg(msg)
}

// EvalBool evaluates source as an expr-lang boolean expression over
// scope, used for `if`/`fail_if`/`assume`/`guarantee`. A non-bool result
// is a PredicateError{Kind: runtime}.
func (s *Sandbox) EvalBool(source string, scope Scope, opts Options) (bool, error) {
	v, err := s.EvalExpr(source, scope, opts)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, domainerrors.NewPredicateError(domainerrors.PredicateErrorRuntime, source,
			fmt.Errorf("expression did not return a boolean, got %T", v))
	}
	return b, nil
}

// EvalExpr compiles (with caching) and runs source as an expr-lang
// expression over scope, returning its value. It never touches the
// filesystem, network, or a child process: the expr-lang VM has no such
// capability built in, and the environment handed to it is exactly
// scope plus the enumerated built-ins.
func (s *Sandbox) EvalExpr(source string, scope Scope, opts Options) (any, error) {
	if source == "" {
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorSyntax, source, fmt.Errorf("empty expression"))
	}

	program, err := s.compile(source)
	if err != nil {
		return nil, err
	}

	env := s.buildEnv(scope, opts)

	type runResult struct {
		val any
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{nil, fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := expr.Run(program, env)
		done <- runResult{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorRuntime, source, r.err)
		}
		return r.val, nil
	case <-time.After(opts.timeout()):
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorTimeout, source, fmt.Errorf("exceeded %s", opts.timeout()))
	}
}

func (s *Sandbox) compile(source string) (*vm.Program, error) {
	if s.enableCache {
		s.mu.RLock()
		p, ok := s.exprCache[source]
		s.mu.RUnlock()
		if ok {
			return p, nil
		}
	}

	p, err := expr.Compile(source, expr.AllowUndefinedVariables(), expr.DisableAllBuiltins())
	if err != nil {
		return nil, domainerrors.NewPredicateError(domainerrors.PredicateErrorSyntax, source, err)
	}

	if s.enableCache {
		s.mu.Lock()
		s.exprCache[source] = p
		s.mu.Unlock()
	}
	return p, nil
}

// buildEnv merges scope with the enumerated built-ins (§4.1), binding
// the issue/permission helpers to this scope's "issues"/"pr" entries.
func (s *Sandbox) buildEnv(scope Scope, opts Options) map[string]any {
	env := make(map[string]any, len(scope)+16)
	for k, v := range scope {
		env[k] = v
	}
	for name, fn := range builtins(scope, s, opts) {
		env[name] = fn
	}
	return env
}
