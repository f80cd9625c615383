package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-chain/internal/governance"
	"github.com/polisai/polis-chain/pkg/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecuteEncodesJSONAndDecodesResponse(t *testing.T) {
	var gotContentType, gotAuth, gotAgent string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("X-Auth-Token")
		gotAgent = r.Header.Get("User-Agent")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("X-Auth-Token", "dummy-token")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"userId":"123","count":2}`)
	}))
	defer server.Close()

	exec := New(Config{}, WithLogger(quietLogger()))
	spec := domain.RequestSpec{
		Method:  "post",
		URL:     server.URL + "/users",
		Headers: domain.Headers{"x-auth-token": "abc"},
		Body:    map[string]any{"name": "ada"},
	}

	resp, err := exec.Execute(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, domain.ClassSuccess, resp.Class())
	assert.Equal(t, map[string]any{"userId": "123", "count": float64(2)}, resp.Body)
	assert.Equal(t, "dummy-token", resp.Headers["x-auth-token"])
	assert.Equal(t, "a, b", resp.Headers["x-multi"])
	require.NotNil(t, resp.Request)
	assert.Equal(t, spec.URL, resp.Request.URL)

	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "abc", gotAuth)
	assert.Equal(t, "polis-chain", gotAgent)
	assert.Equal(t, map[string]any{"name": "ada"}, gotBody)
}

func TestExecuteKeepsTextBodiesAndFailureStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Method != http.MethodGet && string(body) != "raw payload" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "no such user")
	}))
	defer server.Close()

	exec := New(Config{}, WithLogger(quietLogger()))

	resp, err := exec.Execute(context.Background(), domain.RequestSpec{URL: server.URL})
	require.NoError(t, err, "a received status is never a transport error")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "no such user", resp.Body)
	assert.Equal(t, "GET", resp.Request.EffectiveMethod())

	resp, err = exec.Execute(context.Background(), domain.RequestSpec{Method: "PUT", URL: server.URL, Body: "raw payload"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestExecuteTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	exec := New(Config{Timeout: time.Second}, WithLogger(quietLogger()))
	_, err := exec.Execute(context.Background(), domain.RequestSpec{URL: url})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)

	var terr *domain.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, url, terr.URL)
}

func TestExecuteRejectsOversizedBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer server.Close()

	exec := New(Config{MaxBodyBytes: 16}, WithLogger(quietLogger()))
	_, err := exec.Execute(context.Background(), domain.RequestSpec{URL: server.URL})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestExecuteRetriesIdempotentRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	metrics := NewMetrics()
	exec := New(Config{},
		WithLogger(quietLogger()),
		WithMetrics(metrics),
		WithRetry(governance.RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)

	resp, err := exec.Execute(context.Background(), domain.RequestSpec{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.EqualValues(t, 3, calls.Load())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `chain_dispatch_retries_total{method="GET"} 2`)
	assert.Contains(t, body, `chain_dispatch_total{class="success",method="GET",status_code="200"} 1`)

	calls.Store(0)
	resp, err = exec.Execute(context.Background(), domain.RequestSpec{Method: "POST", URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.EqualValues(t, 1, calls.Load(), "POST must not be retried")
}

func TestExecuteOpensCircuitPerHost(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	exec := New(Config{},
		WithLogger(quietLogger()),
		WithCircuitBreaker(governance.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute}),
	)

	resp, err := exec.Execute(context.Background(), domain.RequestSpec{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	_, err = exec.Execute(context.Background(), domain.RequestSpec{URL: server.URL})
	assert.True(t, errors.Is(err, governance.ErrCircuitOpen), "expected open circuit, got %v", err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteHonoursRateLimitCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	exec := New(Config{}, WithLogger(quietLogger()), WithRateLimit(0.001, 1))
	_, err := exec.Execute(context.Background(), domain.RequestSpec{URL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(ctx, domain.RequestSpec{URL: server.URL})
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestDecodeBody(t *testing.T) {
	assert.Nil(t, decodeBody(nil))
	assert.Nil(t, decodeBody([]byte("  ")))
	assert.Equal(t, []any{float64(1), "a"}, decodeBody([]byte(`[1,"a"]`)))
	assert.Equal(t, "plain", decodeBody([]byte("plain")))
}
