package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitPolicyDerivedValues(t *testing.T) {
	p := RateLimitPolicy{
		IdentifierType:    IdentifierAPIKey,
		Scope:             "api_calls",
		RequestsPerWindow: 10,
		WindowDuration:    10 * time.Second,
	}
	require.NoError(t, p.Validate())
	assert.Equal(t, 10.0, p.Capacity())
	assert.InDelta(t, 1.0, p.RefillRate(), 1e-9)

	p.BurstAllowance = 5
	assert.Equal(t, 15.0, p.Capacity())
	assert.Equal(t, "api_key||api_calls", p.Key())
}

func TestRateLimitPolicyValidate(t *testing.T) {
	base := RateLimitPolicy{IdentifierType: IdentifierIP, Scope: "uploads", RequestsPerWindow: 1, WindowDuration: time.Second}

	tests := []struct {
		name   string
		mutate func(*RateLimitPolicy)
		field  string
	}{
		{"bad type", func(p *RateLimitPolicy) { p.IdentifierType = "device" }, "identifier_type"},
		{"empty scope", func(p *RateLimitPolicy) { p.Scope = " " }, "scope"},
		{"zero requests", func(p *RateLimitPolicy) { p.RequestsPerWindow = 0 }, "requests_per_window"},
		{"negative burst", func(p *RateLimitPolicy) { p.BurstAllowance = -1 }, "burst_allowance"},
		{"zero window", func(p *RateLimitPolicy) { p.WindowDuration = 0 }, "window_duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigInvalid))
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestBudgetPeriodStart(t *testing.T) {
	// Thursday 2026-10-15 13:45 UTC
	now := time.Date(2026, 10, 15, 13, 45, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), PeriodDaily.Start(now))
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), PeriodWeekly.Start(now))
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), PeriodMonthly.Start(now))

	sunday := time.Date(2026, 10, 18, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), PeriodWeekly.Start(sunday))

	start := PeriodMonthly.Start(now)
	assert.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), PeriodMonthly.End(start))
}

func TestCostBudgetValidate(t *testing.T) {
	b := CostBudget{
		Name:            "llm",
		Service:         "search",
		Period:          PeriodMonthly,
		AmountLimit:     decimal.NewFromInt(500),
		AlertThresholds: []float64{0.8, 0.9, 1.0},
	}
	require.NoError(t, b.Validate())
	assert.True(t, b.ThresholdAmount(0.8).Equal(decimal.NewFromInt(400)))

	b.AlertThresholds = []float64{0.9, 0.8}
	assert.ErrorIs(t, b.Validate(), ErrConfigInvalid)

	b.AlertThresholds = []float64{0.5}
	b.AmountLimit = decimal.Zero
	assert.ErrorIs(t, b.Validate(), ErrConfigInvalid)
}

func TestTypedErrorsUnwrap(t *testing.T) {
	var err error = &AdmissionRejectedError{Key: "ip|1.2.3.4|api_calls", RetryAfter: time.Second}
	assert.ErrorIs(t, err, ErrAdmissionRejected)
	assert.Equal(t, "RATE_LIMITED", ErrorCode(err))

	err = &ProviderUnavailableError{Service: "booking", Provider: "stripe", NextAttemptAt: time.Unix(0, 0)}
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", ErrorCode(err))

	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("boom")))
	assert.Equal(t, "UNAUTHORIZED", ErrorCode(fmt.Errorf("wrap: %w", &DomainError{Code: "UNAUTHORIZED", Err: errors.New("no token")})))
}

func TestWindowSignalValue(t *testing.T) {
	w := GoldenSignalWindow{MetricType: MetricErrors, Aggregate: Aggregate{Ratio: 0.2, Count: 3}}
	assert.Equal(t, 0.2, w.SignalValue())
	w.MetricType = MetricLatency
	w.Aggregate.P99 = 120
	assert.Equal(t, 120.0, w.SignalValue())
}
