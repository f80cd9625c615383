package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-chain/pkg/domain"
)

const defaultEntrypoint = "chain/allow"

// Options control predicate construction.
type Options struct {
	// Entrypoint is the decision path evaluated, e.g. "chain/allow".
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
}

// Predicate evaluates a Rego rule to a boolean verdict.
type Predicate struct {
	entrypoint string
	query      rego.PreparedEvalQuery
}

// NewPredicate parses opts.Modules and prepares the entrypoint query so that
// syntax and compile errors surface at construction.
func NewPredicate(ctx context.Context, opts Options) (*Predicate, error) {
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy predicate requires at least one rego module")
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := make([]func(*rego.Rego), 0, len(names)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return &Predicate{entrypoint: entry, query: prepared}, nil
}

// Compile is shorthand for a single-module predicate.
func Compile(ctx context.Context, entrypoint, src string) (*Predicate, error) {
	return NewPredicate(ctx, Options{
		Entrypoint: entrypoint,
		Modules:    map[string]string{"inline.rego": src},
	})
}

// Entrypoint returns the evaluated decision path.
func (p *Predicate) Entrypoint() string {
	return p.entrypoint
}

// Evaluate runs the policy with the view of value as input. An undefined
// decision is false; a decision that is not a boolean is an error.
func (p *Predicate) Evaluate(ctx context.Context, value any) (bool, error) {
	results, err := p.query.Eval(ctx, rego.EvalInput(domain.View(value)))
	if err != nil {
		return false, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	verdict, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("opa decision %s: expected bool, got %T", p.entrypoint, results[0].Expressions[0].Value)
	}
	return verdict, nil
}
