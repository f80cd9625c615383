package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/polisai/polis-chain/pkg/domain"
)

// Env is the capability set handed to one script invocation. It is created
// per call and discarded afterwards.
type Env struct {
	ctx      context.Context
	input    any
	logger   *slog.Logger
	maxDelay time.Duration
	clock    func() time.Time
}

// Input returns a private copy of the invocation input.
func (e *Env) Input() any {
	return domain.CloneValue(e.input)
}

// View returns the input in plain map form, as source scripts see it.
func (e *Env) View() any {
	return domain.View(e.input)
}

// Log writes a diagnostic line attributed to the script.
func (e *Env) Log(args ...any) {
	e.logger.Info("script log", "message", strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}

// Sleep pauses the script for d, returning early with an error if the
// invocation is cancelled or d exceeds the sandbox cap.
func (e *Env) Sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if e.maxDelay > 0 && d > e.maxDelay {
		return fmt.Errorf("delay %s exceeds limit %s", d, e.maxDelay)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return e.ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay resolves to v after d.
func (e *Env) Delay(d time.Duration, v any) (any, error) {
	if err := e.Sleep(d); err != nil {
		return nil, err
	}
	return v, nil
}

// Now reports the sandbox clock.
func (e *Env) Now() time.Time {
	return e.clock()
}

func (e *Env) variables() map[string]any {
	return map[string]any{"input": e.View()}
}

func (e *Env) compileOptions(vars map[string]any) []expr.Option {
	return []expr.Option{
		expr.Env(vars),
		expr.Function("log", func(params ...any) (any, error) {
			e.Log(params...)
			return true, nil
		}),
		expr.Function("sleep", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("sleep expects 1 argument, got %d", len(params))
			}
			d, err := millis(params[0])
			if err != nil {
				return nil, err
			}
			if err := e.Sleep(d); err != nil {
				return nil, err
			}
			return true, nil
		}),
		expr.Function("delay", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("delay expects 2 arguments, got %d", len(params))
			}
			d, err := millis(params[0])
			if err != nil {
				return nil, err
			}
			return e.Delay(d, params[1])
		}),
		expr.Function("timestamp", func(params ...any) (any, error) {
			return e.Now().UnixMilli(), nil
		}),
	}
}

// millis converts a numeric script argument expressed in milliseconds.
func millis(v any) (time.Duration, error) {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case int32:
		return time.Duration(n) * time.Millisecond, nil
	case float64:
		return time.Duration(n * float64(time.Millisecond)), nil
	case float32:
		return time.Duration(float64(n) * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("expected milliseconds, got %T", v)
	}
}
