package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetPeriod defines the accumulation window of a budget.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Valid reports whether p is a known period.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Start returns the UTC start of the period containing t. Weeks start on Monday.
func (p BudgetPeriod) Start(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// End returns the exclusive end of the period starting at start.
func (p BudgetPeriod) End(start time.Time) time.Time {
	switch p {
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// CostBudget caps spend of one service over a period.
type CostBudget struct {
	Name            string          `json:"name"`
	Service         string          `json:"service"`
	Period          BudgetPeriod    `json:"period"`
	AmountLimit     decimal.Decimal `json:"amount_limit"`
	AlertThresholds []float64       `json:"alert_thresholds"`
	Active          bool            `json:"active"`
	Version         int             `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Validate rejects malformed budgets at configure time.
func (b CostBudget) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return NewConfigError("name", "must not be empty")
	}
	if strings.TrimSpace(b.Service) == "" {
		return NewConfigError("service", "must not be empty")
	}
	if !b.Period.Valid() {
		return NewConfigError("period", "unknown period %q", b.Period)
	}
	if !b.AmountLimit.IsPositive() {
		return NewConfigError("amount_limit", "must be positive, got %s", b.AmountLimit)
	}
	if len(b.AlertThresholds) == 0 {
		return NewConfigError("alert_thresholds", "at least one threshold is required")
	}
	prev := 0.0
	for i, th := range b.AlertThresholds {
		if th <= 0 {
			return NewConfigError("alert_thresholds", "threshold %d must be positive, got %g", i, th)
		}
		if i > 0 && th <= prev {
			return NewConfigError("alert_thresholds", "thresholds must be strictly increasing (%g after %g)", th, prev)
		}
		prev = th
	}
	return nil
}

// ThresholdAmount returns limit × threshold.
func (b CostBudget) ThresholdAmount(threshold float64) decimal.Decimal {
	return b.AmountLimit.Mul(decimal.NewFromFloat(threshold))
}

// CostUsageEvent is one cost-bearing call. Events are append-only.
type CostUsageEvent struct {
	Service   string          `json:"service"`
	CostType  string          `json:"cost_type"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

// CostAlert is emitted at most once per (budget, threshold, period start).
type CostAlert struct {
	BudgetName   string          `json:"budget_name"`
	Service      string          `json:"service"`
	Threshold    float64         `json:"threshold"`
	CurrentUsage decimal.Decimal `json:"current_usage"`
	AmountLimit  decimal.Decimal `json:"amount_limit"`
	PeriodStart  time.Time       `json:"period_start"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Critical reports whether the alert marks the budget as exhausted.
func (a CostAlert) Critical() bool {
	return a.Threshold >= 1.0
}

// BudgetStatus is the usage of one budget in its current period.
type BudgetStatus struct {
	Budget             CostBudget      `json:"budget"`
	PeriodStart        time.Time       `json:"period_start"`
	PeriodEnd          time.Time       `json:"period_end"`
	CurrentUsage       decimal.Decimal `json:"current_usage"`
	UtilizationPercent float64         `json:"utilization_percent"`
	FiredThresholds    []float64       `json:"fired_thresholds"`
}

// BudgetReport aggregates every active budget.
type BudgetReport struct {
	Budgets            []BudgetStatus  `json:"budgets"`
	TotalLimit         decimal.Decimal `json:"total_limit"`
	TotalUsage         decimal.Decimal `json:"total_usage"`
	UtilizationPercent float64         `json:"utilization_percent"`
}
