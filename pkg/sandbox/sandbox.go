// Package sandbox runs user-supplied transformation scripts and predicates in
// an isolated per-invocation environment.
//
// Source scripts are expr-lang programs compiled at call time against an
// environment that exposes only the input value and the helpers log, sleep,
// delay and timestamp. Go callables receive an *Env with the same
// capabilities. Every failure, including panics and timeouts, is reported as a
// *domain.ScriptError.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
)

const (
	// DefaultTimeout bounds a single script invocation.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxDelay caps sleep and delay requests made by scripts.
	DefaultMaxDelay = 10 * time.Second
)

// Config controls sandbox limits.
type Config struct {
	// Timeout bounds each invocation. Zero selects DefaultTimeout; negative disables the bound.
	Timeout time.Duration
	// MaxDelay caps sleep and delay helpers. Zero selects DefaultMaxDelay; negative disables the cap.
	MaxDelay time.Duration
	Logger   *slog.Logger
}

// Sandbox evaluates scripts. It holds no per-invocation state and is safe for
// concurrent use.
type Sandbox struct {
	timeout  time.Duration
	maxDelay time.Duration
	logger   *slog.Logger
	clock    func() time.Time
}

// New constructs a Sandbox.
func New(cfg Config) *Sandbox {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	maxDelay := cfg.MaxDelay
	switch {
	case maxDelay == 0:
		maxDelay = DefaultMaxDelay
	case maxDelay < 0:
		maxDelay = 0
	}

	return &Sandbox{
		timeout:  timeout,
		maxDelay: maxDelay,
		logger:   logger,
		clock:    time.Now,
	}
}

type evaluation struct {
	value any
	err   error
}

// Evaluate runs script against an isolated copy of input and returns its
// result. Nothing the script does can modify input.
func (s *Sandbox) Evaluate(ctx context.Context, script Script, input any) (any, error) {
	if script == nil {
		return nil, &domain.ScriptError{Err: errors.New("no script provided")}
	}
	name := script.Name()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	env := &Env{
		ctx:      ctx,
		input:    domain.CloneValue(input),
		logger:   s.logger.With("script", name),
		maxDelay: s.maxDelay,
		clock:    s.clock,
	}

	start := time.Now()
	done := make(chan evaluation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- evaluation{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := script.Invoke(ctx, env)
		done <- evaluation{value: value, err: err}
	}()

	var out evaluation
	select {
	case out = <-done:
	case <-ctx.Done():
		out = evaluation{err: ctx.Err()}
	}

	if out.err != nil {
		s.logger.Debug("script failed", "script", name, "duration", time.Since(start), "error", out.err)
		var scriptErr *domain.ScriptError
		if errors.As(out.err, &scriptErr) {
			return nil, out.err
		}
		return nil, &domain.ScriptError{Script: name, Err: out.err}
	}

	s.logger.Debug("script evaluated", "script", name, "duration", time.Since(start))
	return out.value, nil
}

// Bind returns a Transformer that evaluates script in this sandbox.
func (s *Sandbox) Bind(script Script) runtime.Transformer {
	return &boundScript{sandbox: s, script: script}
}

type boundScript struct {
	sandbox *Sandbox
	script  Script
}

func (b *boundScript) Transform(ctx context.Context, value any) (any, error) {
	return b.sandbox.Evaluate(ctx, b.script, value)
}

// Predicate compiles src as a boolean expr-lang program evaluated in this
// sandbox against the view of the condition input.
func (s *Sandbox) Predicate(src string) runtime.Predicate {
	return &predicate{sandbox: s, script: boolSource(src)}
}

type predicate struct {
	sandbox *Sandbox
	script  boolSource
}

func (p *predicate) Evaluate(ctx context.Context, value any) (bool, error) {
	out, err := p.sandbox.Evaluate(ctx, p.script, value)
	if err != nil {
		return false, err
	}
	verdict, ok := out.(bool)
	if !ok {
		return false, &domain.ScriptError{Script: p.script.Name(), Err: fmt.Errorf("predicate returned %T, want bool", out)}
	}
	return verdict, nil
}
