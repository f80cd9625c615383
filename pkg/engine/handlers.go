package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
)

// NewConditionNode builds a node that routes its unchanged input to the
// success edge when predicate holds and to the failure edge when it does not.
// A predicate error or panic fires no edge; it is logged and reported as a
// suppressed outcome.
func NewConditionNode(predicate runtime.Predicate, opts ...Option) *Node {
	n := newNode(KindCondition, opts)
	n.predicate = predicate
	n.exec = n.evaluate
	return n
}

func (n *Node) evaluate(ctx context.Context, input any) decision {
	ok, err := n.safePredicate(ctx, input)
	if err != nil {
		perr := &domain.PredicateError{Err: err}
		n.logger.Warn("condition predicate failed; no edge fired", "error", err)
		return decision{outcome: runtime.OutcomeSuppressed, err: perr}
	}
	if ok {
		return decision{outcome: runtime.OutcomeSuccess, value: input}
	}
	return decision{outcome: runtime.OutcomeFailure, value: input}
}

func (n *Node) safePredicate(ctx context.Context, input any) (ok bool, err error) {
	if n.predicate == nil {
		return false, errors.New("no predicate configured")
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, panicError(r)
		}
	}()
	return n.predicate.Evaluate(ctx, input)
}

// NewTransformNode builds a node that passes its input through transform and
// routes the result to the success edge. A transform failure is routed to the
// error edge as a *domain.ScriptError.
func NewTransformNode(transform runtime.Transformer, opts ...Option) *Node {
	n := newNode(KindTransform, opts)
	n.transform = transform
	n.exec = n.transformInput
	return n
}

func (n *Node) transformInput(ctx context.Context, input any) decision {
	if n.transform == nil {
		return errorDecision(&domain.ScriptError{Err: errors.New("no transform configured")})
	}
	out, err := n.transform.Transform(ctx, input)
	if err != nil {
		if !errors.Is(err, domain.ErrScript) {
			err = &domain.ScriptError{Err: err}
		}
		n.logger.Warn("transform failed", "error", err)
		return errorDecision(err)
	}
	return decision{outcome: runtime.OutcomeSuccess, value: out}
}

// NewTerminalNode builds a node that renders its input to sink and returns the
// input unchanged. Terminal nodes never fire edges; a sink failure is logged.
func NewTerminalNode(sink runtime.Sink, opts ...Option) *Node {
	n := newNode(KindTerminal, opts)
	n.sink = sink
	n.exec = n.render
	return n
}

func (n *Node) render(ctx context.Context, input any) decision {
	if n.sink != nil {
		if err := n.safeRender(ctx, input); err != nil {
			n.logger.Warn("terminal sink failed", "error", err)
		}
	}
	return decision{outcome: runtime.OutcomeTerminal, value: input}
}

func (n *Node) safeRender(ctx context.Context, input any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink: %w", panicError(r))
		}
	}()
	return n.sink.Render(ctx, input)
}
