package flow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/sandbox"
	"github.com/polisai/polis-chain/pkg/telemetry"
)

// scriptedExecutor replays responses by URL and records every dispatched spec.
type scriptedExecutor struct {
	responses map[string]domain.ResponseEnvelope
	failures  map[string]error
	seen      []domain.RequestSpec
}

func (s *scriptedExecutor) Execute(_ context.Context, spec domain.RequestSpec) (domain.ResponseEnvelope, error) {
	s.seen = append(s.seen, spec)
	if err, ok := s.failures[spec.URL]; ok {
		return domain.ResponseEnvelope{}, err
	}
	resp, ok := s.responses[spec.URL]
	if !ok {
		return domain.ResponseEnvelope{Status: 404}, nil
	}
	return resp, nil
}

func newController(exec runtime.RequestExecutor) *Controller {
	return NewController(ControllerConfig{
		Executor: exec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestExecuteNilFlowReturnsEmpty(t *testing.T) {
	out := newController(&scriptedExecutor{}).Execute(context.Background(), nil)
	if out.Status != StatusEmpty {
		t.Fatalf("expected empty status, got %s", out.Status)
	}
	if out.Response != nil || out.Err != nil || out.Steps != 0 {
		t.Fatalf("expected zero outcome, got %+v", out)
	}
}

func TestExecuteChainsWithDependencies(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]domain.ResponseEnvelope{
		"https://api.example.com/login": {
			Status:  200,
			Headers: domain.Headers{"x-auth-token": "dummy-token"},
			Body:    map[string]any{"userId": "123", "role": "admin"},
		},
		"https://api.example.com/profile": {Status: 200, Body: map[string]any{"ok": true}},
	}}

	var successes []int
	record := OnSuccess(func(resp domain.ResponseEnvelope) { successes = append(successes, resp.Status) })

	login := New(domain.RequestSpec{Method: "POST", URL: "https://api.example.com/login"}, record)
	profile := New(
		domain.RequestSpec{Method: "PUT", URL: "https://api.example.com/profile", Body: map[string]any{"name": "ada"}},
		record,
		DependsOn(map[string]string{"x-auth-token": ""}, map[string]any{"userId": ""}),
	)
	login.Then(profile)

	out := newController(exec).Execute(context.Background(), login)
	require.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 2, out.Steps)
	assert.Equal(t, []int{200, 200}, successes)
	require.NotNil(t, out.Response)
	assert.Equal(t, map[string]any{"ok": true}, out.Response.Body)

	require.Len(t, exec.seen, 2)
	second := exec.seen[1]
	assert.Equal(t, "dummy-token", second.Headers["x-auth-token"])
	assert.Equal(t, map[string]any{"name": "ada", "userId": "123"}, second.Body)
	_, leaked := second.Body.(map[string]any)["role"]
	assert.False(t, leaked, "undeclared fields must not be copied")

	assert.Nil(t, profile.Request.Headers, "declared request must not be mutated")
}

func TestExecuteHaltsOnFailureStatus(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]domain.ResponseEnvelope{
		"https://api.example.com/first": {Status: 500, Body: "boom"},
	}}

	var failures, successes, errorsSeen int
	first := New(domain.RequestSpec{URL: "https://api.example.com/first"},
		OnSuccess(func(domain.ResponseEnvelope) { successes++ }),
		OnFailure(func(resp domain.ResponseEnvelope) {
			failures++
			assert.Equal(t, 500, resp.Status)
		}),
		OnError(func(error) { errorsSeen++ }),
	)
	second := New(domain.RequestSpec{URL: "https://api.example.com/second"})

	out := newController(exec).Execute(context.Background(), Chain(first, second))
	assert.Equal(t, StatusHalted, out.Status)
	assert.Equal(t, 1, failures)
	assert.Zero(t, successes)
	assert.Zero(t, errorsSeen)
	assert.Same(t, first, out.Failed)
	assert.ErrorIs(t, out.Err, domain.ErrUnexpectedStatus)
	require.NotNil(t, out.Response)
	assert.Equal(t, 500, out.Response.Status)
	assert.Len(t, exec.seen, 1, "second flow must never be dispatched")
}

func TestExecuteHaltsOnClientFailure(t *testing.T) {
	exec := &scriptedExecutor{}
	var failures int
	first := New(domain.RequestSpec{URL: "https://api.example.com/missing"},
		OnFailure(func(domain.ResponseEnvelope) { failures++ }))
	first.Then(New(domain.RequestSpec{URL: "https://api.example.com/next"}))

	out := newController(exec).Execute(context.Background(), first)
	assert.Equal(t, StatusHalted, out.Status)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 404, out.Response.Status)
	assert.Len(t, exec.seen, 1)
}

func TestExecuteRoutesTransportErrors(t *testing.T) {
	cause := errors.New("connection refused")
	exec := &scriptedExecutor{
		responses: map[string]domain.ResponseEnvelope{"https://api.example.com/a": {Status: 200}},
		failures:  map[string]error{"https://api.example.com/b": cause},
	}

	var got error
	var failures int
	a := New(domain.RequestSpec{URL: "https://api.example.com/a"})
	b := New(domain.RequestSpec{URL: "https://api.example.com/b"},
		OnError(func(err error) { got = err }),
		OnFailure(func(domain.ResponseEnvelope) { failures++ }),
	)
	c := New(domain.RequestSpec{URL: "https://api.example.com/c"})

	out := newController(exec).Execute(context.Background(), Chain(a, b, c))
	assert.Equal(t, StatusHalted, out.Status)
	assert.Equal(t, 2, out.Steps)
	assert.Nil(t, out.Response)
	assert.ErrorIs(t, got, domain.ErrTransport)
	assert.ErrorIs(t, got, cause)
	assert.Zero(t, failures)
	assert.Len(t, exec.seen, 2)
}

func TestExecuteAppliesTransform(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]domain.ResponseEnvelope{
		"https://api.example.com/users": {Status: 200, Body: map[string]any{"userId": "42"}},
		"https://api.example.com/users/42": {Status: 200},
	}}

	sb := sandbox.New(sandbox.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	first := New(domain.RequestSpec{URL: "https://api.example.com/users"})
	first.Then(New(domain.RequestSpec{Method: "GET"},
		WithTransform(sb.Bind(sandbox.Source(`{"url": "https://api.example.com/users/" + input.body.userId}`)))))

	out := newController(exec).Execute(context.Background(), first)
	require.Equal(t, StatusCompleted, out.Status)
	require.Len(t, exec.seen, 2)
	assert.Equal(t, "https://api.example.com/users/42", exec.seen[1].URL)
	assert.Equal(t, "GET", exec.seen[1].Method)
}

func TestExecuteTransformFailureCallsOnError(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]domain.ResponseEnvelope{
		"https://api.example.com/a": {Status: 200},
	}}

	sb := sandbox.New(sandbox.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	var got error
	a := New(domain.RequestSpec{URL: "https://api.example.com/a"})
	a.Then(New(domain.RequestSpec{URL: "https://api.example.com/b"},
		WithTransform(sb.Bind(sandbox.Source(`}{`))),
		OnError(func(err error) { got = err })))

	out := newController(exec).Execute(context.Background(), a)
	assert.Equal(t, StatusHalted, out.Status)
	assert.ErrorIs(t, got, domain.ErrScript)
	assert.Len(t, exec.seen, 1)
}

func TestExecuteContainsCallbackPanics(t *testing.T) {
	exec := &scriptedExecutor{responses: map[string]domain.ResponseEnvelope{
		"https://api.example.com/a": {Status: 200},
		"https://api.example.com/b": {Status: 200},
	}}

	a := New(domain.RequestSpec{URL: "https://api.example.com/a"},
		OnSuccess(func(domain.ResponseEnvelope) { panic("callback bug") }))
	a.Then(New(domain.RequestSpec{URL: "https://api.example.com/b"}))

	out := newController(exec).Execute(context.Background(), a)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Len(t, exec.seen, 2)
}

func TestExecuteRejectsInvalidFirstRequest(t *testing.T) {
	var got error
	first := New(domain.RequestSpec{Method: "GET"}, OnError(func(err error) { got = err }))

	out := newController(&scriptedExecutor{}).Execute(context.Background(), first)
	assert.Equal(t, StatusHalted, out.Status)
	assert.ErrorIs(t, got, domain.ErrInvalidInput)
}

func TestChainSkipsNil(t *testing.T) {
	a := New(domain.RequestSpec{URL: "a"})
	b := New(domain.RequestSpec{URL: "b"})

	head := Chain(nil, a, nil, b)
	assert.Same(t, a, head)
	assert.Same(t, b, a.Next)
	assert.Nil(t, Chain())
}

func TestExecuteRedactsStepSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	}()

	exec := &scriptedExecutor{responses: map[string]domain.ResponseEnvelope{
		"https://api.example.com/profile": {Status: 200},
	}}
	controller := NewController(ControllerConfig{
		Executor:  exec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Redaction: &telemetry.RedactionPolicy{Strategies: map[string]string{
			"http.request.header.x-session": telemetry.StrategyMask,
		}},
	})

	step := New(domain.RequestSpec{
		URL:     "https://api.example.com/profile",
		Headers: domain.Headers{"X-Session": "session-0123456789"},
	})
	out := controller.Execute(context.Background(), step)
	require.Equal(t, StatusCompleted, out.Status)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "flow.step" {
			continue
		}
		attrs := attribute.NewSet(span.Attributes()...)
		value, ok := attrs.Value("http.request.header.x-session")
		require.True(t, ok)
		assert.Equal(t, "sess***6789", value.AsString())
		found = true
	}
	assert.True(t, found, "expected a flow.step span")
}
