package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// Script is a unit of user code the sandbox can run.
type Script interface {
	Name() string
	Invoke(ctx context.Context, env *Env) (any, error)
}

// Source is an expr-lang program. It is compiled on every invocation so no
// compiled state is shared between runs.
type Source string

// Name identifies the script in logs and errors.
func (s Source) Name() string { return "expr" }

// Invoke compiles and runs the program against env.
func (s Source) Invoke(_ context.Context, env *Env) (any, error) {
	src := strings.TrimSpace(string(s))
	if src == "" {
		return nil, fmt.Errorf("empty script")
	}
	vars := env.variables()
	program, err := expr.Compile(src, env.compileOptions(vars)...)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return out, nil
}

type boolSource string

func (s boolSource) Name() string { return "expr.predicate" }

func (s boolSource) Invoke(_ context.Context, env *Env) (any, error) {
	src := strings.TrimSpace(string(s))
	if src == "" {
		return nil, fmt.Errorf("empty predicate")
	}
	vars := env.variables()
	opts := append(env.compileOptions(vars), expr.AsBool())
	program, err := expr.Compile(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return out, nil
}

// Func is a Go callable script. It sees only what env exposes.
type Func func(ctx context.Context, env *Env) (any, error)

// Name identifies the script in logs and errors.
func (f Func) Name() string { return "func" }

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, env *Env) (any, error) {
	return f(ctx, env)
}

// Named attaches a name to script for logs and errors.
func Named(name string, script Script) Script {
	return named{name: name, Script: script}
}

type named struct {
	Script
	name string
}

func (n named) Name() string { return n.name }
