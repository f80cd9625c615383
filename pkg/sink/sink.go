// Package sink provides terminal-node renderers: a human-readable writer, a
// structured logger and a Redis stream publisher.
package sink

import (
	"context"
	"errors"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
)

// Multi renders to every sink in order and joins their errors.
func Multi(sinks ...runtime.Sink) runtime.Sink {
	return runtime.SinkFunc(func(ctx context.Context, value any) error {
		var errs []error
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Render(ctx, value); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// items flattens batch inputs. It reports false for a single value.
func items(value any) ([]any, bool) {
	switch v := value.(type) {
	case []domain.ResponseEnvelope:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []any:
		return v, true
	default:
		return nil, false
	}
}

// response unwraps value into a response envelope when it is one.
func response(value any) (domain.ResponseEnvelope, bool) {
	switch v := value.(type) {
	case domain.ResponseEnvelope:
		return v, true
	case *domain.ResponseEnvelope:
		if v != nil {
			return *v, true
		}
	}
	return domain.ResponseEnvelope{}, false
}
