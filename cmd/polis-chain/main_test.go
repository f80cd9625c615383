package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-chain/pkg/domain"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRunRendersSuccessThroughConditionAndTransform(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"userId":1,"title":"hello"}`)

	out, err := execute(t, "run", server.URL,
		"--condition", "input.body.userId == 1",
		"--transform", `{"title": input.body.title}`,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "--- Other Input ---")
	assert.Contains(t, out, `"title":"hello"`)
}

func TestRunConditionFalseRendersNothing(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"userId":2}`)

	out, err := execute(t, "run", server.URL, "--condition", "input.body.userId == 1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRunRendersFailureResponse(t *testing.T) {
	server := jsonServer(t, http.StatusNotFound, `{"error":"missing"}`)

	out, err := execute(t, "run", server.URL, "--transform", "input.body")
	require.NoError(t, err)
	assert.Contains(t, out, "--- Single execution result ---")
	assert.Contains(t, out, "Status 404")
}

func TestRunWithRegoPolicy(t *testing.T) {
	server := jsonServer(t, http.StatusOK, `{"role":"admin"}`)

	policyPath := filepath.Join(t.TempDir(), "allow.rego")
	require.NoError(t, os.WriteFile(policyPath, []byte(`package chain

allow if input.body.role == "admin"
`), 0o600))

	out, err := execute(t, "run", server.URL, "--policy", policyPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Status 200")
}

func TestRunRejectsConflictingPredicates(t *testing.T) {
	_, err := execute(t, "run", "http://127.0.0.1:1", "--condition", "true", "--policy", "x.rego")
	require.Error(t, err)
}

func TestRunPublishesToRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	server := jsonServer(t, http.StatusCreated, `{"id":"7"}`)

	_, err = execute(t, "run", server.URL, "--redis-addr", mr.Addr(), "--redis-stream", "chain:cli")
	require.NoError(t, err)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()
	entries, err := client.XRange(context.Background(), "chain:cli", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "201", entries[0].Values["status"])
}

func TestChainCopiesDependencies(t *testing.T) {
	var gotToken atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Header().Set("X-Auth-Token", "dummy-token")
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"userId":"123"}`)
		case "/users":
			gotToken.Store(r.Header.Get("X-Auth-Token"))
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotBody.Store(body)
			_, _ = io.WriteString(w, `{"updated":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	out, err := execute(t, "chain",
		"--step", "POST "+server.URL+`/login {"user":"ada"}`,
		"--step", "PUT "+server.URL+"/users",
		"--depends-header", "x-auth-token",
		"--depends-body", "userId",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "Status 200")
	assert.Equal(t, "dummy-token", gotToken.Load())
	assert.Equal(t, map[string]any{"userId": "123"}, gotBody.Load())
}

func TestChainDependencyOverridesStaticHeaderOfAnyCase(t *testing.T) {
	var seen sync.Map
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Header().Set("X-Auth-Token", "fresh-token")
			return
		}
		seen.Store(r.Header.Get("X-Auth-Token"), true)
	}))
	defer server.Close()

	for range 20 {
		_, err := execute(t, "chain",
			"-H", "X-Auth-Token: placeholder",
			"--step", server.URL+"/login",
			"--step", server.URL+"/users",
			"--depends-header", "x-auth-token",
		)
		require.NoError(t, err)
	}

	_, stale := seen.Load("placeholder")
	assert.False(t, stale, "static header leaked past the resolved dependency")
	_, fresh := seen.Load("fresh-token")
	assert.True(t, fresh)
}

func TestChainHaltsOnFailure(t *testing.T) {
	var second atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/second" {
			second.Add(1)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	out, err := execute(t, "chain", "--step", server.URL+"/first", "--step", server.URL+"/second")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "halted at step 1")
	assert.Contains(t, out, "Status 500")
	assert.Zero(t, second.Load())
}

func TestParseStep(t *testing.T) {
	spec, err := parseStep("https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "GET", spec.EffectiveMethod())

	spec, err = parseStep(`post https://example.com/a {"k": [1, 2]}`)
	require.NoError(t, err)
	assert.Equal(t, "POST", spec.Method)
	assert.Equal(t, map[string]any{"k": []any{float64(1), float64(2)}}, spec.Body)

	_, err = parseStep("   ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"Authorization: Bearer x", "X-Trace:1"})
	require.NoError(t, err)
	assert.Equal(t, domain.Headers{"Authorization": "Bearer x", "X-Trace": "1"}, headers)

	_, err = parseHeaders([]string{"broken"})
	assert.Error(t, err)
}
