// Package flow runs linear request chains. Each step dispatches one request,
// optionally built from the previous step's response, and the chain advances
// only while responses are successful.
package flow

import (
	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/resolver"
)

// Flow is one step of a request chain.
type Flow struct {
	Request domain.RequestSpec
	Next    *Flow

	OnSuccess func(domain.ResponseEnvelope)
	OnFailure func(domain.ResponseEnvelope)
	OnError   func(error)

	// DependsHeaders and DependsBody name the fields copied from the previous
	// response into this step's request. Only the keys matter.
	DependsHeaders map[string]string
	DependsBody    map[string]any

	// Transform, when set, receives the previous response and returns the
	// request for this step: a RequestSpec or a map of request fields
	// overlaid on Request. Dependencies are resolved after it runs.
	Transform runtime.Transformer
}

// Option configures a Flow.
type Option func(*Flow)

// New returns a flow step that dispatches req.
func New(req domain.RequestSpec, opts ...Option) *Flow {
	f := &Flow{Request: req.Clone()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OnSuccess sets the callback invoked with a 2xx response.
func OnSuccess(fn func(domain.ResponseEnvelope)) Option {
	return func(f *Flow) { f.OnSuccess = fn }
}

// OnFailure sets the callback invoked with a non-2xx response.
func OnFailure(fn func(domain.ResponseEnvelope)) Option {
	return func(f *Flow) { f.OnFailure = fn }
}

// OnError sets the callback invoked when no response could be obtained.
func OnError(fn func(error)) Option {
	return func(f *Flow) { f.OnError = fn }
}

// DependsOn declares header and body fields taken from the previous response.
func DependsOn(headers map[string]string, body map[string]any) Option {
	return func(f *Flow) {
		f.DependsHeaders = headers
		f.DependsBody = body
	}
}

// WithTransform sets the step's request transform.
func WithTransform(t runtime.Transformer) Option {
	return func(f *Flow) { f.Transform = t }
}

// Then links next after f and returns next, so chains read in order:
//
//	first.Then(second).Then(third)
func (f *Flow) Then(next *Flow) *Flow {
	f.Next = next
	return next
}

// Chain links flows in order and returns the first, or nil when none are given.
func Chain(flows ...*Flow) *Flow {
	var head, tail *Flow
	for _, f := range flows {
		if f == nil {
			continue
		}
		if head == nil {
			head = f
		} else {
			tail.Next = f
		}
		tail = f
	}
	return head
}

// Dependencies returns the resolver declarations for this step.
func (f *Flow) Dependencies() resolver.Dependencies {
	return resolver.FromDeclarations(f.DependsHeaders, f.DependsBody)
}

