package config

import (
	"log/slog"

	"github.com/polisai/polis-chain/pkg/sandbox"
	"github.com/polisai/polis-chain/pkg/telemetry"
	"github.com/polisai/polis-chain/pkg/transport"
)

// ToProvider converts telemetry settings into the tracer bootstrap config.
func (c TelemetryConfig) ToProvider() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.ServiceName,
		Endpoint:    c.OTLPEndpoint,
		Environment: c.Environment,
		Insecure:    c.Insecure,
		Headers:     c.Headers,
	}
}

// ToRedaction returns the span redaction policy, or nil when none is
// configured.
func (c TelemetryConfig) ToRedaction() *telemetry.RedactionPolicy {
	if len(c.Redaction) == 0 {
		return nil
	}
	strategies := make(map[string]string, len(c.Redaction))
	for key, strategy := range c.Redaction {
		strategies[key] = strategy
	}
	return &telemetry.RedactionPolicy{Strategies: strategies}
}

// ToExecutor converts transport settings into executor config and options.
// Extra options are appended after the configured ones.
func (c TransportConfig) ToExecutor(extra ...transport.Option) (transport.Config, []transport.Option) {
	opts := []transport.Option{
		transport.WithRetry(c.Retry),
		transport.WithRateLimit(c.RateLimit.RPS, c.RateLimit.Burst),
		transport.WithCircuitBreaker(c.CircuitBreaker),
	}
	opts = append(opts, extra...)

	return transport.Config{
		Timeout:      c.Timeout,
		MaxBodyBytes: c.MaxBodyBytes,
		UserAgent:    c.UserAgent,
	}, opts
}

// ToSandbox converts sandbox settings.
func (c SandboxConfig) ToSandbox(logger *slog.Logger) sandbox.Config {
	return sandbox.Config{
		Timeout:  c.Timeout,
		MaxDelay: c.MaxDelay,
		Logger:   logger,
	}
}
