package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/polisai/polis-guard/internal/governance"
)

// ErrMaxRetriesExceeded is returned when all delivery attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig bounds webhook delivery. The embedded policy's Timeout applies
// to each attempt.
type RetryConfig struct {
	governance.CallPolicy `yaml:",inline"`
	// RetryStatus lists response codes worth another attempt.
	RetryStatus []int `yaml:"retry_status"`
}

// DefaultRetryConfig retries gateway errors and throttling three times.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		CallPolicy: governance.CallPolicy{
			Timeout:        5 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
			Jitter:         true,
		},
		RetryStatus: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// RetryPolicy decides whether and when a failed delivery is retried.
type RetryPolicy struct {
	policy governance.CallPolicy
	status []int
}

// NewRetryPolicy creates a retry policy. A zero config gets
// DefaultRetryConfig; otherwise only unset backoff fields, the attempt
// timeout and the status list are defaulted.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	d := DefaultRetryConfig()
	if cfg.CallPolicy == (governance.CallPolicy{}) && cfg.RetryStatus == nil {
		cfg = d
	}
	p := cfg.CallPolicy.WithDefaults()
	p.MaxRetries = max(p.MaxRetries, 0)
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	status := cfg.RetryStatus
	if status == nil {
		status = d.RetryStatus
	}
	return &RetryPolicy{policy: p, status: status}
}

// ShouldRetry reports whether another attempt is worthwhile. Deliveries carry
// an idempotency key, so any method may be retried.
func (rp *RetryPolicy) ShouldRetry(statusCode int, err error, attempt int) bool {
	if attempt >= rp.policy.MaxRetries {
		return false
	}
	if err != nil {
		return governance.Retryable(err) || strings.Contains(err.Error(), "EOF")
	}
	return slices.Contains(rp.status, statusCode)
}

// Backoff returns the delay before the next attempt.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	return rp.policy.Backoff(attempt)
}

// Do runs fn until it succeeds with a 2xx status, the policy gives up or ctx ends.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(context.Context) (int, error)) (int, error) {
	var (
		lastErr    error
		statusCode int
	)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		attemptCtx, cancel := rp.policy.AttemptContext(ctx)
		statusCode, lastErr = fn(attemptCtx)
		cancel()

		if lastErr == nil && statusCode >= 200 && statusCode < 300 {
			return statusCode, nil
		}
		if !rp.ShouldRetry(statusCode, lastErr, attempt) {
			break
		}

		t := time.NewTimer(rp.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}

	if lastErr != nil {
		return statusCode, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
	}
	return statusCode, fmt.Errorf("%w: status %d", ErrMaxRetriesExceeded, statusCode)
}
