// Package runtime defines the core contracts shared by the graph engine, the
// flow controller and their collaborators, keeping routing logic decoupled from
// transport and scripting mechanics.
package runtime

import (
	"context"

	"github.com/polisai/polis-chain/pkg/domain"
)

// Outcome captures the classification of a node execution and selects the
// edge that fires next.
type Outcome string

const (
	// OutcomeSuccess indicates the happy-path edge should be taken.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure indicates a negative verdict: a client-failure status or a false predicate.
	OutcomeFailure Outcome = "failure"
	// OutcomeError indicates a transport, script or unexpected-status error.
	OutcomeError Outcome = "error"
	// OutcomeSuppressed indicates a predicate error that fired no edge.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeBatch indicates a concurrent dispatch whose items were routed individually.
	OutcomeBatch Outcome = "batch"
	// OutcomeTerminal indicates a terminal node rendered its input.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeAborted indicates the traversal depth limit stopped execution.
	OutcomeAborted Outcome = "aborted"
)

// OutcomeForClass maps a response status class to the outcome it routes to.
func OutcomeForClass(class domain.StatusClass) Outcome {
	switch class {
	case domain.ClassSuccess:
		return OutcomeSuccess
	case domain.ClassClientFailure:
		return OutcomeFailure
	default:
		return OutcomeError
	}
}

// RequestExecutor performs one network request. It returns an error only when
// no status could be obtained; every received status is returned as a response.
type RequestExecutor interface {
	Execute(ctx context.Context, spec domain.RequestSpec) (domain.ResponseEnvelope, error)
}

// ExecutorFunc adapts a function to RequestExecutor.
type ExecutorFunc func(ctx context.Context, spec domain.RequestSpec) (domain.ResponseEnvelope, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, spec domain.RequestSpec) (domain.ResponseEnvelope, error) {
	return f(ctx, spec)
}

// Sink renders a terminal value for human or machine consumption.
type Sink interface {
	Render(ctx context.Context, value any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, value any) error

// Render calls f.
func (f SinkFunc) Render(ctx context.Context, value any) error {
	return f(ctx, value)
}

// Predicate decides the branch a condition node takes.
type Predicate interface {
	Evaluate(ctx context.Context, value any) (bool, error)
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(ctx context.Context, value any) (bool, error)

// Evaluate calls f.
func (f PredicateFunc) Evaluate(ctx context.Context, value any) (bool, error) {
	return f(ctx, value)
}

// Transformer reshapes a value. Implementations are expected to isolate the
// caller's value from the transformation.
type Transformer interface {
	Transform(ctx context.Context, value any) (any, error)
}
