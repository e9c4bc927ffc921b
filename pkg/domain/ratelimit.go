package domain

import (
	"strings"
	"time"
)

// IdentifierType names the dimension a rate-limit policy applies to.
type IdentifierType string

const (
	IdentifierIP     IdentifierType = "ip"
	IdentifierUser   IdentifierType = "user"
	IdentifierClient IdentifierType = "client"
	IdentifierAPIKey IdentifierType = "api_key"
)

// Valid reports whether t is a known identifier type.
func (t IdentifierType) Valid() bool {
	switch t {
	case IdentifierIP, IdentifierUser, IdentifierClient, IdentifierAPIKey:
		return true
	}
	return false
}

// DefaultScope is used when a caller does not name a scope.
const DefaultScope = "api_calls"

// RateLimitPolicy configures one token bucket family. An empty IdentifierValue
// makes the policy the default for every identifier of that type and scope.
type RateLimitPolicy struct {
	IdentifierType    IdentifierType `json:"identifier_type" yaml:"identifier_type"`
	IdentifierValue   string         `json:"identifier_value,omitempty" yaml:"identifier_value,omitempty"`
	Scope             string         `json:"scope" yaml:"scope"`
	RequestsPerWindow int            `json:"requests_per_window" yaml:"requests_per_window"`
	BurstAllowance    int            `json:"burst_allowance" yaml:"burst_allowance"`
	WindowDuration    time.Duration  `json:"window_duration" yaml:"window_duration"`
}

// Capacity is the bucket size: the steady per-window allowance plus burst headroom.
func (p RateLimitPolicy) Capacity() float64 {
	return float64(p.RequestsPerWindow + p.BurstAllowance)
}

// RefillRate is the number of tokens added per second.
func (p RateLimitPolicy) RefillRate() float64 {
	if p.WindowDuration <= 0 {
		return 0
	}
	return float64(p.RequestsPerWindow) / p.WindowDuration.Seconds()
}

// Key identifies the policy in registries and stores.
func (p RateLimitPolicy) Key() string {
	return PolicyKey(p.IdentifierType, p.IdentifierValue, p.Scope)
}

// Validate rejects malformed policies at configure time.
func (p RateLimitPolicy) Validate() error {
	if !p.IdentifierType.Valid() {
		return NewConfigError("identifier_type", "unknown identifier type %q", p.IdentifierType)
	}
	if strings.TrimSpace(p.Scope) == "" {
		return NewConfigError("scope", "must not be empty")
	}
	if p.RequestsPerWindow <= 0 {
		return NewConfigError("requests_per_window", "must be positive, got %d", p.RequestsPerWindow)
	}
	if p.BurstAllowance < 0 {
		return NewConfigError("burst_allowance", "must not be negative, got %d", p.BurstAllowance)
	}
	if p.WindowDuration <= 0 {
		return NewConfigError("window_duration", "must be positive, got %s", p.WindowDuration)
	}
	if float64(p.BurstAllowance) > p.Capacity() {
		return NewConfigError("burst_allowance", "exceeds bucket capacity %.0f", p.Capacity())
	}
	return nil
}

// PolicyKey joins the policy dimensions into a registry key.
func PolicyKey(t IdentifierType, value, scope string) string {
	return string(t) + "|" + value + "|" + scope
}

// TokenBucketState is a point-in-time view of one bucket.
type TokenBucketState struct {
	Key          string    `json:"key"`
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
	Capacity     float64   `json:"capacity"`
	RefillRate   float64   `json:"refill_rate"`
}

// RateLimitDecision is the explicit result of an admission check.
type RateLimitDecision struct {
	Key             string        `json:"key"`
	Allowed         bool          `json:"allowed"`
	TokensRemaining float64       `json:"tokens_remaining"`
	RetryAfter      time.Duration `json:"retry_after"`
	ResetAt         time.Time     `json:"reset_time"`
	Limit           float64       `json:"limit"`
	Reason          string        `json:"reason,omitempty"`
}

// Err converts a denial into an AdmissionRejectedError; it returns nil when allowed.
func (d RateLimitDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &AdmissionRejectedError{Key: d.Key, RetryAfter: d.RetryAfter}
}
