package domain

import "time"

// BreakerState is the position of a circuit breaker state machine.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerOverride is an operator decision that bypasses automatic thresholds.
type BreakerOverride string

const (
	OverrideNone        BreakerOverride = ""
	OverrideForceOpen   BreakerOverride = "force_open"
	OverrideForceClosed BreakerOverride = "force_closed"
)

// CircuitBreakerConfig holds the thresholds of one breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a closed breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// ResetTimeout is how long the breaker stays open before a trial is allowed.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	// HalfOpenSuccessThreshold is the number of consecutive trial successes that close the breaker.
	HalfOpenSuccessThreshold int `json:"half_open_success_threshold" yaml:"half_open_success_threshold"`
	// HalfOpenMaxConcurrent bounds the number of trial calls in flight while half-open.
	HalfOpenMaxConcurrent int `json:"half_open_max_concurrent" yaml:"half_open_max_concurrent"`
}

// DefaultCircuitBreakerConfig returns the documented defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         5,
		ResetTimeout:             300 * time.Second,
		HalfOpenSuccessThreshold: 3,
		HalfOpenMaxConcurrent:    1,
	}
}

// WithDefaults fills zero fields from DefaultCircuitBreakerConfig.
func (c CircuitBreakerConfig) WithDefaults() CircuitBreakerConfig {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenSuccessThreshold == 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	if c.HalfOpenMaxConcurrent == 0 {
		c.HalfOpenMaxConcurrent = d.HalfOpenMaxConcurrent
	}
	return c
}

// Validate rejects nonsensical thresholds.
func (c CircuitBreakerConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return NewConfigError("failure_threshold", "must be positive, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return NewConfigError("reset_timeout", "must be positive, got %s", c.ResetTimeout)
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		return NewConfigError("half_open_success_threshold", "must be positive, got %d", c.HalfOpenSuccessThreshold)
	}
	if c.HalfOpenMaxConcurrent <= 0 {
		return NewConfigError("half_open_max_concurrent", "must be positive, got %d", c.HalfOpenMaxConcurrent)
	}
	return nil
}

// CircuitBreakerPolicy binds a config to a (service, provider) pair.
type CircuitBreakerPolicy struct {
	Service  string `json:"service" yaml:"service"`
	Provider string `json:"provider" yaml:"provider"`
	CircuitBreakerConfig `yaml:",inline"`
}

// Validate checks the key and thresholds.
func (p CircuitBreakerPolicy) Validate() error {
	if p.Service == "" {
		return NewConfigError("service", "must not be empty")
	}
	if p.Provider == "" {
		return NewConfigError("provider", "must not be empty")
	}
	return p.CircuitBreakerConfig.Validate()
}

// BreakerKey joins service and provider into a registry key.
func BreakerKey(service, provider string) string {
	return service + "/" + provider
}

// CircuitBreakerState is the full state of one breaker.
type CircuitBreakerState struct {
	Service              string          `json:"service"`
	Provider             string          `json:"provider"`
	State                BreakerState    `json:"state"`
	FailureCount         int             `json:"failure_count"`
	HalfOpenSuccessCount int             `json:"half_open_success_count"`
	HalfOpenInFlight     int             `json:"half_open_in_flight"`
	FailureThreshold     int             `json:"failure_threshold"`
	ResetTimeout         time.Duration   `json:"reset_timeout"`
	OpenedAt             time.Time       `json:"opened_at,omitempty"`
	NextAttemptAt        time.Time       `json:"next_attempt_at,omitempty"`
	LastTransitionAt     time.Time       `json:"last_transition_at,omitempty"`
	LastTrialAt          time.Time       `json:"-"`
	Override             BreakerOverride `json:"override,omitempty"`
	// Generation advances on every state change and override. Tickets from
	// an earlier generation no longer count.
	Generation uint64 `json:"generation"`
}

// BreakerTransition describes one state change, emitted for logging and metrics.
type BreakerTransition struct {
	Service  string
	Provider string
	From     BreakerState
	To       BreakerState
	At       time.Time
	Reason   string
}
