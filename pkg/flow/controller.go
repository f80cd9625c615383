package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/resolver"
	"github.com/polisai/polis-chain/pkg/telemetry"
)

// Status summarises how a chain ended.
type Status string

const (
	// StatusCompleted means every step received a 2xx response.
	StatusCompleted Status = "completed"
	// StatusHalted means a step failed and the rest of the chain was abandoned.
	StatusHalted Status = "halted"
	// StatusEmpty means no flow was supplied.
	StatusEmpty Status = "empty"
)

// Outcome is the result of executing a chain.
type Outcome struct {
	Status Status
	// Response is the last response received: the final response of a
	// completed chain, or the failing response of a halted one. It is nil when
	// the halting step produced no response.
	Response *domain.ResponseEnvelope
	// Err describes why a halted chain stopped.
	Err error
	// Steps counts the steps that were attempted.
	Steps int
	// Failed is the step that halted the chain.
	Failed *Flow
}

// ControllerConfig holds the collaborators of a Controller.
type ControllerConfig struct {
	Executor runtime.RequestExecutor
	Logger   *slog.Logger
	// Redaction is applied to request attributes on step spans. Nil keeps
	// only the default deny-list.
	Redaction *telemetry.RedactionPolicy
}

// Controller walks a Flow chain one step at a time.
type Controller struct {
	executor  runtime.RequestExecutor
	logger    *slog.Logger
	redaction *telemetry.RedactionPolicy
}

// NewController builds a controller that dispatches through cfg.Executor.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{executor: cfg.Executor, logger: logger, redaction: cfg.Redaction}
}

// Execute runs the chain starting at first. A 2xx response invokes the step's
// OnSuccess callback and advances; any other status invokes OnFailure and
// halts; a failure to build or dispatch the request invokes OnError and halts.
// Execute never returns an error: the returned Outcome describes the result.
func (c *Controller) Execute(ctx context.Context, first *Flow) Outcome {
	if first == nil {
		return Outcome{Status: StatusEmpty}
	}

	tracer := otel.Tracer(telemetry.MeterName)
	ctx, span := tracer.Start(ctx, "flow.execute")
	defer span.End()

	var (
		prev  *domain.ResponseEnvelope
		steps int
	)
	for cur := first; cur != nil; cur = cur.Next {
		steps++
		out, resp, done := c.step(ctx, cur, steps, prev)
		if done {
			out.Steps = steps
			span.SetAttributes(
				attribute.String("flow.status", string(out.Status)),
				attribute.Int("flow.steps", steps),
			)
			if out.Err != nil {
				span.RecordError(out.Err)
				span.SetStatus(codes.Error, out.Err.Error())
			}
			return out
		}
		prev = resp
	}

	span.SetAttributes(
		attribute.String("flow.status", string(StatusCompleted)),
		attribute.Int("flow.steps", steps),
	)
	return Outcome{Status: StatusCompleted, Response: prev, Steps: steps}
}

// step executes one flow. It returns the successful response when the chain
// should advance, or a final Outcome with done set when it should halt.
func (c *Controller) step(ctx context.Context, cur *Flow, index int, prev *domain.ResponseEnvelope) (Outcome, *domain.ResponseEnvelope, bool) {
	logger := c.logger.With("step", index)
	ctx, span := otel.Tracer(telemetry.MeterName).Start(ctx, "flow.step",
		trace.WithAttributes(attribute.Int("flow.step", index)))
	defer span.End()

	start := time.Now()
	halt := func(err error, resp *domain.ResponseEnvelope, outcome runtime.Outcome) (Outcome, *domain.ResponseEnvelope, bool) {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
			Step: index, Status: status, Outcome: outcome, Duration: time.Since(start),
		})
		return Outcome{Status: StatusHalted, Response: resp, Err: err, Failed: cur}, nil, true
	}

	spec, err := c.prepare(ctx, cur, prev)
	if err != nil {
		logger.Warn("flow step could not build its request", "error", err)
		c.notifyError(logger, cur, err)
		return halt(err, nil, runtime.OutcomeError)
	}
	span.SetAttributes(telemetry.RequestAttributes(c.redaction, spec.EffectiveMethod(), spec.URL, spec.Headers)...)

	resp, err := c.dispatch(ctx, spec)
	if err != nil {
		logger.Warn("flow step dispatch failed", "error", err)
		c.notifyError(logger, cur, err)
		return halt(err, nil, runtime.OutcomeError)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))

	if resp.Class() != domain.ClassSuccess {
		logger.Info("flow step received a non-success status; halting chain", "status", resp.Status)
		if cur.OnFailure != nil {
			c.invoke(logger, "on_failure", func() { cur.OnFailure(resp.Clone()) })
		}
		return halt(&domain.StatusError{Response: resp}, &resp, runtime.OutcomeForClass(resp.Class()))
	}

	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		Step: index, Status: resp.Status, Outcome: runtime.OutcomeSuccess, Duration: time.Since(start),
	})
	logger.Debug("flow step succeeded", "status", resp.Status)
	if cur.OnSuccess != nil {
		c.invoke(logger, "on_success", func() { cur.OnSuccess(resp.Clone()) })
	}
	return Outcome{}, &resp, false
}

// prepare builds the request for cur. The first step dispatches its request
// as given; later steps apply the transform and dependencies against prev.
func (c *Controller) prepare(ctx context.Context, cur *Flow, prev *domain.ResponseEnvelope) (domain.RequestSpec, error) {
	spec := cur.Request.Clone()
	if prev == nil {
		return spec, spec.Validate()
	}

	if cur.Transform != nil {
		out, err := cur.Transform.Transform(ctx, prev.Clone())
		if err != nil {
			if !errors.Is(err, domain.ErrScript) {
				err = &domain.ScriptError{Err: err}
			}
			return domain.RequestSpec{}, err
		}
		if spec, err = domain.MergeRequest(spec, out); err != nil {
			return domain.RequestSpec{}, err
		}
	}

	if deps := cur.Dependencies(); !deps.Empty() {
		resolved, err := resolver.Resolve(*prev, spec, deps)
		if err != nil {
			return domain.RequestSpec{}, err
		}
		spec = resolved
	}
	return spec, spec.Validate()
}

func (c *Controller) dispatch(ctx context.Context, spec domain.RequestSpec) (resp domain.ResponseEnvelope, err error) {
	if c.executor == nil {
		return domain.ResponseEnvelope{}, fmt.Errorf("%w: controller has no executor", domain.ErrInvalidInput)
	}
	if spec.Options != nil && spec.Options.Delay > 0 {
		timer := time.NewTimer(spec.Options.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.ResponseEnvelope{}, domain.NewTransportError(spec, ctx.Err())
		case <-timer.C:
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewTransportError(spec, fmt.Errorf("recovered panic: %v", r))
		}
	}()
	resp, err = c.executor.Execute(ctx, spec.Clone())
	if err != nil {
		return domain.ResponseEnvelope{}, domain.NewTransportError(spec, err)
	}
	return resp, nil
}

func (c *Controller) notifyError(logger *slog.Logger, cur *Flow, err error) {
	if cur.OnError != nil {
		c.invoke(logger, "on_error", func() { cur.OnError(err) })
	}
}

func (c *Controller) invoke(logger *slog.Logger, callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("flow callback panicked", "callback", callback, "panic", r)
		}
	}()
	fn()
}
