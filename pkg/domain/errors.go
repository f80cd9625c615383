package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrTransport        = errors.New("transport failure")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrScript           = errors.New("script failed")
	ErrPredicate        = errors.New("predicate failed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrBodyNotPatchable = errors.New("request body cannot be patched")
	ErrDepthExceeded    = errors.New("traversal depth exceeded")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// TransportError reports that a request could not complete at all: the
// executor failed before a status was received.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrTransport in addition to the wrapped chain.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NewTransportError wraps err for spec unless it already carries ErrTransport.
func NewTransportError(spec RequestSpec, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return &TransportError{Method: spec.Method, URL: spec.URL, Err: err}
}

// StatusError reports a response whose status falls outside the success and
// client-failure classes.
type StatusError struct {
	Response ResponseEnvelope
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Response.Status)
}

// Is matches ErrUnexpectedStatus.
func (e *StatusError) Is(target error) bool { return target == ErrUnexpectedStatus }

// ScriptError reports a failure raised while a sandboxed script ran.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	if e.Script == "" {
		return fmt.Sprintf("script: %v", e.Err)
	}
	return fmt.Sprintf("script %s: %v", e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Is matches ErrScript.
func (e *ScriptError) Is(target error) bool { return target == ErrScript }

// PredicateError reports a predicate that could not produce a verdict.
type PredicateError struct {
	Err error
}

func (e *PredicateError) Error() string { return fmt.Sprintf("predicate: %v", e.Err) }

func (e *PredicateError) Unwrap() error { return e.Err }

// Is matches ErrPredicate.
func (e *PredicateError) Is(target error) bool { return target == ErrPredicate }
