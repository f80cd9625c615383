package engine

import (
	"context"
	"fmt"
)

type depthKey struct{}

type depthState struct {
	limit int
	depth int
}

// WithDepthLimit bounds the number of nodes a single traversal path may visit.
// Graphs may contain cycles; without a limit a cycle runs until an edge stops
// firing. A non-positive limit leaves the traversal unbounded.
func WithDepthLimit(ctx context.Context, limit int) context.Context {
	return context.WithValue(ctx, depthKey{}, depthState{limit: limit})
}

func enterNode(ctx context.Context) (context.Context, bool) {
	st, ok := ctx.Value(depthKey{}).(depthState)
	if !ok || st.limit <= 0 {
		return ctx, true
	}
	st.depth++
	if st.depth > st.limit {
		return ctx, false
	}
	return context.WithValue(ctx, depthKey{}, st), true
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("recovered panic: %w", err)
	}
	return fmt.Errorf("recovered panic: %v", r)
}
