package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName  string
	Endpoint     string
	Environment  string
	Insecure     bool
	Headers      map[string]string
	ResourceTags map[string]string
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No endpoint configured, return no-op shutdown
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "polis-chain"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Redaction strategies understood by RedactAttributes.
const (
	StrategyDrop    = "drop"
	StrategyMask    = "mask"
	StrategyHash    = "hash"
	StrategyReplace = "replace"
)

// RedactionPolicy lists attribute keys that need treatment before export.
// Keys absent from Strategies but present in the default deny-list are dropped.
type RedactionPolicy struct {
	Strategies map[string]string
}

// ValidStrategy reports whether s names a redaction strategy.
func ValidStrategy(s string) bool {
	switch strings.ToLower(s) {
	case StrategyDrop, StrategyMask, StrategyHash, StrategyReplace, "redact":
		return true
	}
	return false
}

var defaultDropKeys = map[string]struct{}{
	"http.request.header.authorization": {},
	"http.request.header.cookie":        {},
	"http.request.header.x-auth-token":  {},
	"http.request.header.x-api-key":     {},
	"http.response.header.set-cookie":   {},
	"request.body":                      {},
	"response.body":                     {},
}

// RedactAttributes applies a conservative redaction policy to telemetry attributes before export.
//
// The default deny-list removes credentials and bodies. The optional policy can
// mask, hash or replace further attributes instead of dropping them entirely.
func RedactAttributes(policy *RedactionPolicy, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		strategy := ""
		if policy != nil {
			strategy = strings.ToLower(policy.Strategies[key])
		}
		if _, drop := defaultDropKeys[key]; drop && strategy == "" {
			continue
		}

		switch strategy {
		case StrategyDrop:
			continue
		case StrategyMask:
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case StrategyHash:
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		case StrategyReplace, "redact":
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue keeps the first and last four characters (e.g. "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("[REDACTED:hash:%08x]", h.Sum32())
}

// RequestAttributes describes an outbound request for a span. Header values
// pass through RedactAttributes with policy, so credentials never reach the
// exporter. A nil policy applies only the default deny-list.
func RequestAttributes(policy *RedactionPolicy, method, url string, headers map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(headers)+2)
	attrs = append(attrs,
		attribute.String("http.request.method", method),
		attribute.String("url.full", url),
	)
	for name, value := range headers {
		attrs = append(attrs, attribute.String("http.request.header."+strings.ToLower(name), value))
	}
	return RedactAttributes(policy, attrs)
}
