package sink

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/polisai/polis-chain/pkg/domain"
)

// RedisStream publishes terminal values to a Redis stream, one entry per
// response.
type RedisStream struct {
	client backend.UniversalClient
	stream string
	maxLen int64
}

// RedisOption configures a RedisStream.
type RedisOption func(*RedisStream)

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisStream) { s.maxLen = n }
}

// NewRedisStream returns a sink appending to stream through client.
func NewRedisStream(client backend.UniversalClient, stream string, opts ...RedisOption) *RedisStream {
	if stream == "" {
		stream = "chain:results"
	}
	s := &RedisStream{client: client, stream: stream}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Render appends one stream entry per response in value.
func (s *RedisStream) Render(ctx context.Context, value any) error {
	if list, ok := items(value); ok {
		for _, item := range list {
			if err := s.add(ctx, item); err != nil {
				return err
			}
		}
		return nil
	}
	return s.add(ctx, value)
}

func (s *RedisStream) add(ctx context.Context, value any) error {
	payload, err := json.Marshal(domain.View(value))
	if err != nil {
		return fmt.Errorf("encode stream payload: %w", err)
	}

	fields := map[string]any{
		"kind":    "value",
		"status":  0,
		"payload": string(payload),
	}
	if resp, ok := response(value); ok {
		fields["kind"] = "response"
		fields["status"] = resp.Status
	}

	args := &backend.XAddArgs{Stream: s.stream, Values: fields}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
