// Package config provides configuration structures and loading logic for the
// chain engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-chain/internal/governance"
	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/logging"
	"github.com/polisai/polis-chain/pkg/sandbox"
	"github.com/polisai/polis-chain/pkg/telemetry"
)

// ErrConfigInvalid is wrapped by every validation failure. It is the domain
// sentinel, so errors.Is matches either name.
var ErrConfigInvalid = domain.ErrConfigInvalid

// Config holds the global configuration for the chain engine.
type Config struct {
	Logging   logging.Config  `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Transport TransportConfig `yaml:"transport"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Engine    EngineConfig    `yaml:"engine"`
	Sink      SinkConfig      `yaml:"sink"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string            `yaml:"service_name"`
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers"`
	// Redaction maps span attribute keys to a strategy: drop, mask, hash or
	// replace. Credential headers and bodies are dropped regardless.
	Redaction map[string]string `yaml:"redaction"`
}

// TransportConfig holds HTTP executor settings.
type TransportConfig struct {
	Timeout        time.Duration                   `yaml:"timeout"`
	MaxBodyBytes   int64                           `yaml:"max_body_bytes"`
	UserAgent      string                          `yaml:"user_agent"`
	Retry          governance.RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig                 `yaml:"rate_limit"`
	CircuitBreaker governance.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RateLimitConfig paces outbound dispatches. A zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// SandboxConfig bounds script evaluation. MaxDelay caps a single sleep or
// delay inside a script and must not exceed Timeout, which bounds the whole
// evaluation.
type SandboxConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// EngineConfig holds handler graph settings.
type EngineConfig struct {
	// MaxDepth caps nested node executions per run. Zero means unlimited.
	MaxDepth int `yaml:"max_depth"`
}

// SinkConfig selects optional result sinks.
type SinkConfig struct {
	Redis RedisSinkConfig `yaml:"redis"`
}

// RedisSinkConfig enables the Redis stream sink when Addr is set.
type RedisSinkConfig struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: logging.Config{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-chain",
		},
		Transport: TransportConfig{
			Timeout:        30 * time.Second,
			MaxBodyBytes:   10 << 20,
			UserAgent:      "polis-chain",
			Retry:          governance.DefaultRetryConfig(),
			CircuitBreaker: governance.DefaultCircuitBreakerConfig(),
		},
		Sandbox: SandboxConfig{
			Timeout:  sandbox.DefaultTimeout,
			MaxDelay: sandbox.DefaultMaxDelay,
		},
		Sink: SinkConfig{
			Redis: RedisSinkConfig{Stream: "chain:results"},
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("CHAIN_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("CHAIN_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("CHAIN_OTLP_INSECURE"); val != "" {
		insecure, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("CHAIN_OTLP_INSECURE: %w", err)
		}
		cfg.Telemetry.Insecure = insecure
	}

	if val := os.Getenv("CHAIN_HTTP_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("CHAIN_HTTP_TIMEOUT: %w", err)
		}
		cfg.Transport.Timeout = timeout
	}

	if val := os.Getenv("CHAIN_REDIS_ADDR"); val != "" {
		cfg.Sink.Redis.Addr = val
	}
	if val := os.Getenv("CHAIN_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}
	return nil
}

// Validate checks the whole configuration and fills defaults left blank.
func (c *Config) Validate() error {
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport configuration: %w", err)
	}

	if c.Sandbox.Timeout < 0 || c.Sandbox.MaxDelay < 0 {
		return fmt.Errorf("sandbox configuration: %w: durations must not be negative", ErrConfigInvalid)
	}
	if c.Sandbox.Timeout > 0 && c.Sandbox.MaxDelay > c.Sandbox.Timeout {
		return fmt.Errorf("sandbox configuration: %w: max_delay %s exceeds timeout %s",
			ErrConfigInvalid, c.Sandbox.MaxDelay, c.Sandbox.Timeout)
	}

	if c.Engine.MaxDepth < 0 {
		return fmt.Errorf("engine configuration: %w: max_depth must not be negative", ErrConfigInvalid)
	}

	if strings.TrimSpace(c.Sink.Redis.Stream) == "" {
		c.Sink.Redis.Stream = "chain:results"
	}
	if c.Sink.Redis.MaxLen < 0 {
		return fmt.Errorf("sink configuration: %w: redis max_len must not be negative", ErrConfigInvalid)
	}

	return nil
}

func validateLogging(c *logging.Config) error {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "":
		c.Level = "info"
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrConfigInvalid, c.Level)
	}
	return nil
}

// Validate checks telemetry settings.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-chain"
	}
	if strings.Contains(c.OTLPEndpoint, " ") {
		return fmt.Errorf("%w: otlp_endpoint %q contains whitespace", ErrConfigInvalid, c.OTLPEndpoint)
	}
	for key, strategy := range c.Redaction {
		if !telemetry.ValidStrategy(strategy) {
			return fmt.Errorf("%w: unknown redaction strategy %q for %s", ErrConfigInvalid, strategy, key)
		}
	}
	return nil
}

// Validate checks transport settings.
func (c *TransportConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrConfigInvalid)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("%w: max_body_bytes must not be negative", ErrConfigInvalid)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: retry.max_retries must not be negative", ErrConfigInvalid)
	}
	if c.Retry.MaxRetries > 0 && c.Retry.BackoffMultiplier != 0 && c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: retry.backoff_multiplier must be at least 1", ErrConfigInvalid)
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit values must not be negative", ErrConfigInvalid)
	}
	if c.CircuitBreaker.MaxFailures < 0 {
		return fmt.Errorf("%w: circuit_breaker.max_failures must not be negative", ErrConfigInvalid)
	}
	return nil
}
