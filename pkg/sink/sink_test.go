package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
)

func TestWriterSingleResponse(t *testing.T) {
	var buf bytes.Buffer
	err := NewWriter(&buf).Render(context.Background(), domain.ResponseEnvelope{
		Status:  200,
		Headers: domain.Headers{"content-type": "application/json"},
		Body:    map[string]any{"userId": 1},
	})
	require.NoError(t, err)

	want := strings.Join([]string{
		"--- Single execution result ---",
		`Headers {"content-type":"application/json"}`,
		`Body {"userId":1}`,
		"Status 200",
		separator,
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestWriterBatch(t *testing.T) {
	var buf bytes.Buffer
	err := NewWriter(&buf).Render(context.Background(), []any{
		domain.ResponseEnvelope{Status: 200, Body: "ok"},
		"not a response",
	})
	require.NoError(t, err)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Parallel execution results: 2 responses\n"))
	assert.Contains(t, out, "--- Response 1 ---\nStatus: 200\nBody: ok\n")
	assert.Contains(t, out, "--- Response 2 ---\nItem: not a response\n")
}

func TestWriterOtherInput(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).Render(context.Background(), errors.New("boom")))
	assert.Equal(t, "--- Other Input ---\nInput {\"error\":\"boom\"}\n"+separator+"\n", buf.String())
}

func TestLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := NewLogger(logger).Render(context.Background(), []domain.ResponseEnvelope{{Status: 200}, {Status: 404}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "terminal output", second["msg"])
	assert.EqualValues(t, 404, second["status"])
	assert.Equal(t, "failure", second["class"])
	assert.EqualValues(t, 1, second["index"])
}

func TestRedisStreamSink(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	s := NewRedisStream(client, "chain:test")

	require.NoError(t, s.Render(ctx, domain.ResponseEnvelope{Status: 201, Body: map[string]any{"id": "7"}}))
	require.NoError(t, s.Render(ctx, []any{"a", "b"}))

	entries, err := client.XRange(ctx, "chain:test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	first := entries[0].Values
	assert.Equal(t, "response", first["kind"])
	assert.Equal(t, "201", first["status"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(first["payload"].(string)), &payload))
	assert.EqualValues(t, 201, payload["status"])
	assert.Equal(t, map[string]any{"id": "7"}, payload["body"])

	assert.Equal(t, "value", entries[1].Values["kind"])
	assert.Equal(t, `"a"`, entries[1].Values["payload"])
}

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := runtime.SinkFunc(func(context.Context, any) error { calls++; return nil })
	bad := runtime.SinkFunc(func(context.Context, any) error { calls++; return errors.New("closed") })

	err := Multi(ok, nil, bad, ok).Render(context.Background(), "x")
	assert.EqualError(t, err, "closed")
	assert.Equal(t, 3, calls)
}
