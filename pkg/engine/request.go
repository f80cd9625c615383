package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/resolver"
	"github.com/polisai/polis-chain/pkg/telemetry"
)

// NewRequestNode builds a node that dispatches requests through executor.
//
// The input may be a domain.RequestSpec. When the node was configured with
// WithRequest, any other input dispatches the configured spec; a response
// input first has the node's declared dependencies copied into that request.
//
// Routing: 2xx responses go to the success edge, 4xx to the failure edge, any
// other status to the error edge as a *domain.StatusError, and executor
// failures to the error edge as a *domain.TransportError. With a concurrency
// above one the request is dispatched that many times in parallel; after all
// dispatches settle each response is routed in dispatch order, unless any
// dispatch failed, in which case the first failure is routed once to the
// error edge.
func NewRequestNode(executor runtime.RequestExecutor, opts ...Option) *Node {
	n := newNode(KindRequest, opts)
	n.executor = executor
	n.exec = n.dispatch
	return n
}

func (n *Node) dispatch(ctx context.Context, input any) decision {
	spec, err := n.requestFor(input)
	if err != nil {
		n.logger.Warn("request node received unusable input", "error", err)
		return errorDecision(err)
	}
	if n.executor == nil {
		return errorDecision(fmt.Errorf("%w: request node has no executor", domain.ErrInvalidInput))
	}
	trace.SpanFromContext(ctx).SetAttributes(
		telemetry.RequestAttributes(n.redaction, spec.EffectiveMethod(), spec.URL, spec.Headers)...,
	)

	effective := spec
	if effective.Options == nil {
		effective.Options = n.options
	}

	if effective.Options != nil && effective.Options.Delay > 0 {
		if err := wait(ctx, effective.Options.Delay); err != nil {
			return errorDecision(domain.NewTransportError(spec, err))
		}
	}

	count := effective.Concurrency()

	if count == 1 {
		resp, err := n.execute(ctx, spec)
		d := classify(spec, resp, err)
		d.dispatches = 1
		return d
	}

	responses := make([]domain.ResponseEnvelope, count)
	var g errgroup.Group
	for i := 0; i < count; i++ {
		g.Go(func() error {
			resp, err := n.execute(ctx, spec)
			if err != nil {
				return domain.NewTransportError(spec, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		n.logger.Warn("concurrent dispatch failed", "dispatches", count, "error", err)
		d := errorDecision(err)
		d.dispatches = count
		return d
	}

	items := make([]decision, count)
	for i, resp := range responses {
		items[i] = classify(spec, resp, nil)
	}
	return decision{outcome: runtime.OutcomeBatch, batch: items, dispatches: count}
}

// execute dispatches a private copy of spec and converts executor panics
// into transport errors.
func (n *Node) execute(ctx context.Context, spec domain.RequestSpec) (resp domain.ResponseEnvelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewTransportError(spec, panicError(r))
		}
	}()
	return n.executor.Execute(ctx, spec.Clone())
}

func (n *Node) requestFor(input any) (domain.RequestSpec, error) {
	switch typed := input.(type) {
	case domain.RequestSpec:
		return typed.Clone(), typed.Validate()
	case *domain.RequestSpec:
		if typed != nil {
			return typed.Clone(), typed.Validate()
		}
	}

	if n.request == nil {
		return domain.RequestSpec{}, fmt.Errorf("%w: request node expects a request spec, got %T", domain.ErrInvalidInput, input)
	}

	spec := n.request.Clone()
	if n.deps.Empty() {
		return spec, spec.Validate()
	}

	var prev domain.ResponseEnvelope
	switch typed := input.(type) {
	case domain.ResponseEnvelope:
		prev = typed
	case *domain.ResponseEnvelope:
		if typed == nil {
			return spec, spec.Validate()
		}
		prev = *typed
	default:
		return spec, spec.Validate()
	}

	resolved, err := resolver.Resolve(prev, spec, n.deps)
	if err != nil {
		return domain.RequestSpec{}, err
	}
	return resolved, resolved.Validate()
}

func classify(spec domain.RequestSpec, resp domain.ResponseEnvelope, err error) decision {
	if err != nil {
		return errorDecision(domain.NewTransportError(spec, err))
	}
	switch resp.Class() {
	case domain.ClassSuccess:
		return decision{outcome: runtime.OutcomeSuccess, value: resp}
	case domain.ClassClientFailure:
		return decision{outcome: runtime.OutcomeFailure, value: resp}
	default:
		return errorDecision(&domain.StatusError{Response: resp})
	}
}

func errorDecision(err error) decision {
	return decision{outcome: runtime.OutcomeError, value: err, err: err}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
