package callback

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Filter evaluates an operator-supplied CEL predicate over an inbound callback's file handle, so
// an operator can suppress REVOKE/UPDATE delivery: a callback is delivered only when the
// expression evaluates to true, so `!handle.startsWith("scratch/")` suppresses callbacks for
// handles under "scratch/". It is pure convenience: a nil *Filter allows everything, and an
// empty expression does not compile.
type Filter struct {
	expression string
	program    cel.Program
}

// NewFilter compiles expr, which must evaluate to a bool given a "handle" string variable. Use
// CEL's standard `matches` function for path-prefix style rules, e.g.
// `!handle.matches("^scratch/")`.
func NewFilter(expr string) (*Filter, error) {
	env, err := cel.NewEnv(cel.Variable("handle", cel.StringType))
	if err != nil {
		return nil, fmt.Errorf("callback: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("callback: cel compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("callback: cel program: %w", err)
	}
	return &Filter{expression: expr, program: prg}, nil
}

// Allow reports whether a callback for handle should be delivered. A CEL evaluation error or a
// non-bool result fails open: a broken filter expression must never silently swallow callbacks.
func (f *Filter) Allow(handle []byte) bool {
	if f == nil {
		return true
	}
	out, _, err := f.program.Eval(map[string]any{"handle": string(handle)})
	if err != nil {
		return true
	}
	native, err := out.ConvertToNative(reflect.TypeOf(false))
	if err != nil {
		return true
	}
	allow, ok := native.(bool)
	if !ok {
		return true
	}
	return allow
}
