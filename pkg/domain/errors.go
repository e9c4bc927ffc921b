package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrAdmissionRejected        = errors.New("admission rejected")
	ErrProviderUnavailable      = errors.New("provider unavailable")
	ErrConfigInvalid            = errors.New("invalid configuration")
	ErrDuplicateAlertSuppressed = errors.New("duplicate alert suppressed")
	ErrBudgetNotFound           = errors.New("budget not found")
	ErrIncidentNotFound         = errors.New("incident not found")
	ErrIncidentResolved         = errors.New("incident already resolved")
)

// AdmissionRejectedError reports a rate-limit denial. It is retriable once
// RetryAfter has elapsed.
type AdmissionRejectedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

func (e *AdmissionRejectedError) Unwrap() error {
	return ErrAdmissionRejected
}

// ProviderUnavailableError reports a short-circuited dependency call. Callers
// must not retry before NextAttemptAt.
type ProviderUnavailableError struct {
	Service       string
	Provider      string
	NextAttemptAt time.Time
	Forced        bool
}

func (e *ProviderUnavailableError) Error() string {
	if e.Forced {
		return fmt.Sprintf("provider %s/%s unavailable: forced open by operator", e.Service, e.Provider)
	}
	if e.NextAttemptAt.IsZero() {
		return fmt.Sprintf("provider %s/%s unavailable", e.Service, e.Provider)
	}
	return fmt.Sprintf("provider %s/%s unavailable until %s", e.Service, e.Provider, e.NextAttemptAt.UTC().Format(time.RFC3339))
}

func (e *ProviderUnavailableError) Unwrap() error {
	return ErrProviderUnavailable
}

// ConfigError describes a rejected policy, budget or breaker configuration.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError builds a ConfigError for the named field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorResponse defines the standard JSON error model returned by admin and data APIs.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code       string  `json:"code"`                  // Machine-readable error code (e.g., RATE_LIMITED, CONFIG_INVALID)
	Message    string  `json:"message"`               // Human-readable message (safe for logs)
	RetryAfter float64 `json:"retry_after,omitempty"` // Seconds until a retry may succeed
	TraceID    string  `json:"trace_id,omitempty"`    // Optional trace/correlation ID
}

// ErrorCode maps an error onto the stable machine-readable code used in ErrorResponse.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrAdmissionRejected):
		return "RATE_LIMITED"
	case errors.Is(err, ErrProviderUnavailable):
		return "PROVIDER_UNAVAILABLE"
	case errors.Is(err, ErrConfigInvalid):
		return "CONFIG_INVALID"
	case errors.Is(err, ErrBudgetNotFound), errors.Is(err, ErrIncidentNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrIncidentResolved):
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}
