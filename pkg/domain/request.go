package domain

import (
	"fmt"
	"strings"
	"time"
)

// Headers maps header names to single values.
type Headers map[string]string

// Get returns the value stored under name. An exact match wins; otherwise the
// first case-insensitive match in sorted key order is returned.
func (h Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	if v, ok := h[name]; ok {
		return v, true
	}
	var (
		found string
		key   string
		ok    bool
	)
	for k, v := range h {
		if !strings.EqualFold(k, name) {
			continue
		}
		if !ok || k < key {
			found, key, ok = v, k, true
		}
	}
	return found, ok
}

// Set stores value under name and removes every other key that matches name
// case-insensitively, so exactly one spelling reaches the wire. h must not be
// nil.
func (h Headers) Set(name, value string) {
	for k := range h {
		if k != name && strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = value
}

// Clone returns an independent copy. A nil map stays nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// RequestOptions controls how a request node dispatches a spec.
type RequestOptions struct {
	// Concurrency is the number of identical concurrent dispatches. Values
	// below two mean a single dispatch.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	// Delay defers the start of dispatch.
	Delay time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
}

// Clone returns a copy of the options, preserving nil.
func (o *RequestOptions) Clone() *RequestOptions {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// RequestSpec describes one outbound request.
type RequestSpec struct {
	Method  string          `json:"method"`
	URL     string          `json:"url"`
	Headers Headers         `json:"headers,omitempty"`
	Body    any             `json:"body,omitempty"`
	Options *RequestOptions `json:"options,omitempty"`
}

// Clone returns a deep copy of the request. Nested maps, slices and raw JSON
// bodies are copied so the result can be patched freely.
func (r RequestSpec) Clone() RequestSpec {
	return RequestSpec{
		Method:  r.Method,
		URL:     r.URL,
		Headers: r.Headers.Clone(),
		Body:    CloneValue(r.Body),
		Options: r.Options.Clone(),
	}
}

// Concurrency reports the effective number of dispatches for the request.
func (r RequestSpec) Concurrency() int {
	if r.Options == nil || r.Options.Concurrency < 1 {
		return 1
	}
	return r.Options.Concurrency
}

// EffectiveMethod returns the method to dispatch with; blank means GET.
func (r RequestSpec) EffectiveMethod() string {
	if m := strings.TrimSpace(r.Method); m != "" {
		return strings.ToUpper(m)
	}
	return "GET"
}

// Validate checks that the request can be dispatched. A blank method is allowed
// and dispatches as GET.
func (r RequestSpec) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: request url is required", ErrInvalidInput)
	}
	if r.Options != nil {
		if r.Options.Concurrency < 0 {
			return fmt.Errorf("%w: concurrency must not be negative", ErrInvalidInput)
		}
		if r.Options.Delay < 0 {
			return fmt.Errorf("%w: delay must not be negative", ErrInvalidInput)
		}
	}
	return nil
}

// MergeRequest overlays v onto base and returns the merged spec. v may be a
// RequestSpec, a *RequestSpec, or a map in the shape produced by View
// (method, url, headers, body). Fields absent from a map keep base values.
func MergeRequest(base RequestSpec, v any) (RequestSpec, error) {
	switch typed := v.(type) {
	case nil:
		return base.Clone(), nil
	case RequestSpec:
		return typed.Clone(), nil
	case *RequestSpec:
		if typed == nil {
			return base.Clone(), nil
		}
		return typed.Clone(), nil
	case map[string]any:
		out := base.Clone()
		if method, ok := typed["method"].(string); ok && method != "" {
			out.Method = method
		}
		if url, ok := typed["url"].(string); ok && url != "" {
			out.URL = url
		}
		if raw, ok := typed["headers"]; ok {
			headers, err := headersFrom(raw)
			if err != nil {
				return RequestSpec{}, err
			}
			out.Headers = headers
		}
		if body, ok := typed["body"]; ok {
			out.Body = CloneValue(body)
		}
		return out, nil
	default:
		return RequestSpec{}, fmt.Errorf("%w: cannot build a request from %T", ErrInvalidInput, v)
	}
}

func headersFrom(v any) (Headers, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case Headers:
		return typed.Clone(), nil
	case map[string]string:
		return Headers(typed).Clone(), nil
	case map[string]any:
		out := make(Headers, len(typed))
		for k, raw := range typed {
			out[k] = fmt.Sprint(raw)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: headers must be a map, got %T", ErrInvalidInput, v)
	}
}
