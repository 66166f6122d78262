// Package retry retries transient failures with exponential backoff. The
// orchestration loop uses it around LLM proposals.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

type (
	// Config configures retry behavior.
	Config struct {
		// MaxAttempts is the maximum number of attempts including the first.
		// Zero or one disables retries.
		MaxAttempts int `yaml:"max_attempts"`
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration `yaml:"max_backoff"`
		// BackoffMultiplier grows the delay after each retry.
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		// Jitter randomizes each delay by up to this fraction.
		Jitter float64 `yaml:"jitter"`
		// OnRetry, when set, is called before sleeping ahead of each retry.
		OnRetry func(attempt int, err error, backoff time.Duration) `yaml:"-"`
	}

	// ExhaustedError is returned when every attempt failed with a retryable
	// error.
	ExhaustedError struct {
		Attempts      int
		TotalDuration time.Duration
		LastError     error
	}

	// HTTPStatusError is an error carrying an HTTP status code. Tool
	// handlers may return it so the executor can classify upstream failures.
	HTTPStatusError struct {
		StatusCode int
		Message    string
	}
)

// DefaultConfig returns three attempts starting at 100ms and doubling up to
// 10s with 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the status code.
func (e *HTTPStatusError) HTTPStatus() int {
	return e.StatusCode
}

// IsRetryable reports whether err is worth retrying. Errors exposing a
// Retryable method decide for themselves. Cancellation is never retried;
// deadlines, network timeouts, and 429/502/503/504 responses are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts
// run out. Errors exposing RetryAfter extend the backoff to at least that
// delay.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		backoff := calculateBackoff(cfg, attempt)
		var ra interface{ RetryAfter() time.Duration }
		if errors.As(err, &ra) && ra.RetryAfter() > backoff {
			backoff = ra.RetryAfter()
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, backoff)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		backoff += backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
