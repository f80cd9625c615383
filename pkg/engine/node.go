package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/resolver"
	"github.com/polisai/polis-chain/pkg/telemetry"
)

// Kind tags the variant of a node.
type Kind string

const (
	KindRequest   Kind = "request"
	KindCondition Kind = "condition"
	KindTransform Kind = "transform"
	KindTerminal  Kind = "terminal"
)

// Runner is anything that can sit on an edge. *Node implements it; callers may
// supply their own.
type Runner interface {
	Run(ctx context.Context, input any) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, input any) Result

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, input any) Result {
	return f(ctx, input)
}

// Result describes what a node did with its input.
type Result struct {
	// Outcome is the classification made by this node.
	Outcome runtime.Outcome
	// Value is the value returned by the fired edge, or the input of a terminal node.
	Value any
	// Fired reports whether an edge runner was invoked.
	Fired bool
	// Err carries the routed error for error and suppressed outcomes. It is
	// diagnostic only; errors are never raised from Run.
	Err error
	// Batch holds one result per dispatch for concurrent request nodes.
	Batch []Result
}

// Values returns the per-dispatch values of a batch result.
func (r Result) Values() []any {
	if r.Batch == nil {
		return nil
	}
	out := make([]any, len(r.Batch))
	for i, item := range r.Batch {
		out[i] = item.Value
	}
	return out
}

// decision is a classified node execution before routing.
type decision struct {
	outcome    runtime.Outcome
	value      any
	err        error
	batch      []decision
	dispatches int
}

// Node is one vertex of a handler graph. The zero value is not usable; build
// nodes with the New*Node constructors.
type Node struct {
	id     string
	name   string
	kind   Kind
	logger *slog.Logger

	success Runner
	failure Runner
	onError Runner

	exec func(ctx context.Context, input any) decision

	executor  runtime.RequestExecutor
	request   *domain.RequestSpec
	options   *domain.RequestOptions
	deps      resolver.Dependencies
	predicate runtime.Predicate
	transform runtime.Transformer
	sink      runtime.Sink
	redaction *telemetry.RedactionPolicy
}

// Option configures a node.
type Option func(*Node)

// WithLogger sets the node logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithName sets a human-readable name used in logs and spans.
func WithName(name string) Option {
	return func(n *Node) { n.name = name }
}

// WithRequest configures the request a request node dispatches when its input is
// not itself a request spec.
func WithRequest(spec domain.RequestSpec) Option {
	return func(n *Node) {
		cp := spec.Clone()
		n.request = &cp
	}
}

// WithOptions sets dispatch options used when a spec carries none.
func WithOptions(opts domain.RequestOptions) Option {
	return func(n *Node) { n.options = &opts }
}

// WithDependencies declares fields a request node copies from a response
// input into its configured spec before dispatch.
func WithDependencies(deps resolver.Dependencies) Option {
	return func(n *Node) { n.deps = deps }
}

// WithRedaction sets the policy applied to request attributes recorded on the
// node span.
func WithRedaction(policy *telemetry.RedactionPolicy) Option {
	return func(n *Node) { n.redaction = policy }
}

func newNode(kind Kind, opts []Option) *Node {
	n := &Node{
		id:     uuid.NewString(),
		kind:   kind,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("node_id", n.id, "node_kind", string(kind))
	if n.name != "" {
		n.logger = n.logger.With("node_name", n.name)
	}
	return n
}

// ID returns the node identifier, unique per constructed node.
func (n *Node) ID() string { return n.id }

// Name returns the optional human-readable name.
func (n *Node) Name() string { return n.name }

// Kind returns the node variant.
func (n *Node) Kind() Kind { return n.kind }

// SetSuccess wires the success edge and returns n.
func (n *Node) SetSuccess(next Runner) *Node {
	n.success = normalizeRunner(next)
	return n
}

// SetFailure wires the failure edge and returns n.
func (n *Node) SetFailure(next Runner) *Node {
	n.failure = normalizeRunner(next)
	return n
}

// SetError wires the error edge and returns n.
func (n *Node) SetError(next Runner) *Node {
	n.onError = normalizeRunner(next)
	return n
}

// Success returns the success edge or nil.
func (n *Node) Success() Runner { return n.success }

// Failure returns the failure edge or nil.
func (n *Node) Failure() Runner { return n.failure }

// Error returns the error edge or nil.
func (n *Node) Error() Runner { return n.onError }

func normalizeRunner(r Runner) Runner {
	if node, ok := r.(*Node); ok && node == nil {
		return nil
	}
	return r
}

// Run executes the node against input and routes the outcome along at most
// one edge per classified value. Run never panics and never returns an error;
// failures are expressed as routing outcomes.
func (n *Node) Run(ctx context.Context, input any) Result {
	ctx, ok := enterNode(ctx)
	if !ok {
		n.logger.Warn("traversal depth limit reached; stopping")
		return Result{Outcome: runtime.OutcomeAborted, Err: domain.ErrDepthExceeded}
	}

	tracer := otel.Tracer(telemetry.MeterName)
	ctx, span := tracer.Start(ctx, "graph.node",
		trace.WithAttributes(
			attribute.String("node.id", n.id),
			attribute.String("node.kind", string(n.kind)),
		),
	)
	defer span.End()
	if n.name != "" {
		span.SetAttributes(attribute.String("node.name", n.name))
	}

	start := time.Now()
	d := n.safeExec(ctx, input)
	duration := time.Since(start)

	span.SetAttributes(attribute.String("node.outcome", string(d.outcome)))
	if d.err != nil {
		span.RecordError(d.err)
		span.SetStatus(codes.Error, d.err.Error())
	}

	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		NodeID:     n.id,
		NodeKind:   string(n.kind),
		Outcome:    d.outcome,
		Duration:   duration,
		Dispatches: d.dispatches,
	})

	n.logger.Debug("node executed", "outcome", d.outcome, "duration", duration)

	return n.route(ctx, span, d)
}

func (n *Node) safeExec(ctx context.Context, input any) (d decision) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("node panicked", "panic", r)
			err := panicError(r)
			d = decision{outcome: runtime.OutcomeError, value: err, err: err}
		}
	}()
	return n.exec(ctx, input)
}

func (n *Node) route(ctx context.Context, span trace.Span, d decision) Result {
	if d.batch != nil {
		results := make([]Result, len(d.batch))
		for i, item := range d.batch {
			results[i] = n.route(ctx, span, item)
		}
		return Result{Outcome: runtime.OutcomeBatch, Batch: results}
	}

	res := Result{Outcome: d.outcome, Err: d.err}

	var next Runner
	switch d.outcome {
	case runtime.OutcomeSuccess:
		next = n.success
	case runtime.OutcomeFailure:
		next = n.failure
	case runtime.OutcomeError:
		next = n.onError
	case runtime.OutcomeTerminal:
		res.Value = d.value
	}

	if next == nil {
		telemetry.RecordRouteEvent(span, d.outcome, false, d.err)
		return res
	}

	telemetry.RecordRouteEvent(span, d.outcome, true, d.err)
	res.Fired = true
	downstream, err := n.runEdge(ctx, next, d.value)
	if err != nil {
		span.RecordError(err)
		if res.Err == nil {
			res.Err = err
		}
		return res
	}
	res.Value = downstream.Value
	return res
}

// runEdge runs a downstream runner, turning a panic into an error so that a
// foreign Runner cannot unwind through Run.
func (n *Node) runEdge(ctx context.Context, next Runner, value any) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("edge runner panicked", "panic", r)
			err = panicError(r)
		}
	}()
	return next.Run(ctx, value), nil
}
