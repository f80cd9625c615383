// Package transport provides the HTTP request executor used by request nodes
// and flow controllers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-chain/internal/governance"
	"github.com/polisai/polis-chain/pkg/domain"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
	defaultUserAgent    = "polis-chain"
)

// ErrBodyTooLarge is returned when a response body exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Config holds client settings for the HTTP executor.
type Config struct {
	// Timeout bounds one attempt. Zero means 30s.
	Timeout time.Duration
	// MaxBodyBytes bounds the response body read per attempt. Zero means 10 MiB.
	MaxBodyBytes int64
	// UserAgent is sent unless the request sets its own.
	UserAgent string
}

// Executor dispatches domain.RequestSpec values over HTTP. Every received
// status is returned as a response; an error is returned only when no status
// could be obtained.
type Executor struct {
	client       *http.Client
	maxBodyBytes int64
	userAgent    string

	retry    *governance.RetryPolicy
	limiter  *governance.Limiter
	breakers *governance.Breakers
	metrics  *Metrics
	logger   *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithClient replaces the HTTP client. The client's transport is used as is.
func WithClient(client *http.Client) Option {
	return func(e *Executor) {
		if client != nil {
			e.client = client
		}
	}
}

// WithRetry enables retries for idempotent requests.
func WithRetry(cfg governance.RetryConfig) Option {
	return func(e *Executor) { e.retry = governance.NewRetryPolicy(cfg) }
}

// WithRateLimit paces dispatches to rps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Executor) { e.limiter = governance.NewLimiter(rps, burst) }
}

// WithCircuitBreaker enables per-host circuit breaking.
func WithCircuitBreaker(cfg governance.CircuitBreakerConfig) Option {
	return func(e *Executor) { e.breakers = governance.NewBreakers(cfg) }
}

// WithMetrics records dispatches on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New builds an HTTP executor. Unless WithClient is given, requests go
// through an otelhttp-instrumented transport.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	e := &Executor{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxBodyBytes: cfg.MaxBodyBytes,
		userAgent:    cfg.UserAgent,
		retry:        governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends spec and returns the response envelope.
func (e *Executor) Execute(ctx context.Context, spec domain.RequestSpec) (domain.ResponseEnvelope, error) {
	method := spec.EffectiveMethod()
	start := time.Now()

	target, err := url.Parse(spec.URL)
	if err != nil {
		return domain.ResponseEnvelope{}, domain.NewTransportError(spec, err)
	}

	payload, contentType, err := encodeBody(spec.Body)
	if err != nil {
		return domain.ResponseEnvelope{}, domain.NewTransportError(spec, fmt.Errorf("encode body: %w", err))
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return domain.ResponseEnvelope{}, domain.NewTransportError(spec, err)
	}

	breaker := e.breakers.Get(target.Host)
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			e.logger.Warn("dispatch rejected by open circuit", "host", target.Host)
			return domain.ResponseEnvelope{}, domain.NewTransportError(spec, err)
		}
	}

	var resp domain.ResponseEnvelope
	retries, err := e.retry.Do(ctx, method, func(ctx context.Context) (int, error) {
		r, err := e.send(ctx, method, spec, payload, contentType)
		if err != nil {
			return 0, err
		}
		resp = r
		return r.Status, nil
	})

	if breaker != nil {
		breaker.Record(err == nil && resp.Status < http.StatusInternalServerError)
	}

	duration := time.Since(start)
	if err != nil {
		e.metrics.RecordDispatch(method, "transport_error", 0, retries, duration)
		e.logger.Debug("dispatch failed", "method", method, "url", spec.URL, "retries", retries, "error", err)
		return domain.ResponseEnvelope{}, domain.NewTransportError(spec, err)
	}

	e.metrics.RecordDispatch(method, string(resp.Class()), resp.Status, retries, duration)
	e.logger.Debug("dispatch completed", "method", method, "url", spec.URL, "status", resp.Status, "retries", retries, "duration", duration)

	req := spec.Clone()
	resp.Request = &req
	return resp, nil
}

func (e *Executor) send(ctx context.Context, method string, spec domain.RequestSpec, payload []byte, contentType string) (domain.ResponseEnvelope, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return domain.ResponseEnvelope{}, err
	}
	for name, value := range spec.Headers {
		req.Header.Set(name, value)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	httpResp, err := e.client.Do(req)
	if err != nil {
		return domain.ResponseEnvelope{}, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, e.maxBodyBytes+1))
	if err != nil {
		return domain.ResponseEnvelope{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > e.maxBodyBytes {
		return domain.ResponseEnvelope{}, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, e.maxBodyBytes)
	}

	return domain.ResponseEnvelope{
		Status:  httpResp.StatusCode,
		Headers: flattenHeaders(httpResp.Header),
		Body:    decodeBody(data),
	}, nil
}

// encodeBody returns the wire form of a request body and the content type it
// implies. Strings and byte slices are sent verbatim.
func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case json.RawMessage:
		return []byte(b), "application/json", nil
	case []byte:
		return b, "", nil
	case string:
		return []byte(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	}
}

// decodeBody decodes JSON payloads into plain Go values and keeps anything
// else as text. An empty body decodes to nil.
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if gjson.ValidBytes(data) {
		return gjson.ParseBytes(data).Value()
	}
	return string(data)
}

func flattenHeaders(h http.Header) domain.Headers {
	if len(h) == 0 {
		return nil
	}
	out := make(domain.Headers, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}
