package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// IdempotentMethods lists HTTP methods that are safe to retry.
var IdempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// RetryConfig defines retry behaviour for dispatched requests.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int `yaml:"max_retries"`
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier is the factor by which backoff grows per attempt.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// Jitter adds up to 25% random delay to each backoff.
	Jitter bool `yaml:"jitter"`
	// RetryableStatusCodes lists statuses that trigger a retry.
	RetryableStatusCodes map[int]bool `yaml:"retryable_status_codes"`
}

// DefaultRetryConfig returns retry defaults. Retries are disabled; callers opt
// in by raising MaxRetries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusRequestTimeout:     true,
			http.StatusTooManyRequests:    true,
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
	}
}

// RetryPolicy decides whether and when a dispatch is attempted again.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling unset fields from
// DefaultRetryConfig.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (zero based) may be followed by another.
// Only idempotent methods are retried; transport errors are retried when they
// look transient, statuses when they are listed as retryable.
func (rp *RetryPolicy) ShouldRetry(method string, statusCode int, err error, attempt int) bool {
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if !IsIdempotent(method) {
		return false
	}
	if err != nil {
		return IsRetryableError(err)
	}
	return rp.config.RetryableStatusCodes[statusCode]
}

// CalculateBackoff returns the delay before retry number attempt+1.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do calls fn until it succeeds, returns a status that is not retryable, or
// the retry budget is spent. It returns the number of retries performed and
// the error of the last attempt. A retryable status on the final attempt is
// not an error: the caller receives that response.
func (rp *RetryPolicy) Do(ctx context.Context, method string, fn func(ctx context.Context) (int, error)) (int, error) {
	retries := 0
	for attempt := 0; ; attempt++ {
		status, err := fn(ctx)
		if !rp.ShouldRetry(method, status, err, attempt) {
			return retries, err
		}

		timer := time.NewTimer(rp.CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return retries, err
		case <-timer.C:
		}
		retries++
	}
}

// IsIdempotent reports whether method is safe to retry.
func IsIdempotent(method string) bool {
	return IdempotentMethods[strings.ToUpper(method)]
}

// IsRetryableError reports whether a transport error looks transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
		"EOF",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
