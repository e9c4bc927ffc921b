package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-guard/pkg/domain"
)

// BudgetSpec is the file representation of a budget. AmountLimit is a
// decimal string so money never passes through a float.
type BudgetSpec struct {
	Name            string    `json:"name" yaml:"name"`
	Service         string    `json:"service" yaml:"service"`
	Period          string    `json:"period" yaml:"period"`
	AmountLimit     string    `json:"amount_limit" yaml:"amount_limit"`
	AlertThresholds []float64 `json:"alert_thresholds" yaml:"alert_thresholds"`
	// Active defaults to true.
	Active *bool `json:"active,omitempty" yaml:"active,omitempty"`
}

// ToDomain parses and validates the budget.
func (b BudgetSpec) ToDomain() (domain.CostBudget, error) {
	limit, err := decimal.NewFromString(b.AmountLimit)
	if err != nil {
		return domain.CostBudget{}, domain.NewConfigError("amount_limit", "budget %s: %v", b.Name, err)
	}
	out := domain.CostBudget{
		Name:            b.Name,
		Service:         b.Service,
		Period:          domain.BudgetPeriod(b.Period),
		AmountLimit:     limit,
		AlertThresholds: append([]float64(nil), b.AlertThresholds...),
		Active:          b.Active == nil || *b.Active,
	}
	if err := out.Validate(); err != nil {
		return domain.CostBudget{}, err
	}
	return out, nil
}

// PolicyFile is the on-disk layout of the hot-reloaded policy file.
type PolicyFile struct {
	RateLimits      []domain.RateLimitPolicy      `json:"rate_limits" yaml:"rate_limits"`
	CircuitBreakers []domain.CircuitBreakerPolicy `json:"circuit_breakers" yaml:"circuit_breakers"`
	Budgets         []BudgetSpec                  `json:"budgets" yaml:"budgets"`
}

// Snapshot is an immutable, validated set of policies.
type Snapshot struct {
	Generation      uint64
	LoadedAt        time.Time
	Source          string
	RateLimits      []domain.RateLimitPolicy
	CircuitBreakers []domain.CircuitBreakerPolicy
	Budgets         []domain.CostBudget
}

// ParsePolicies decodes YAML, falling back to JSON, and validates every entry.
// Duplicate keys are rejected so a file cannot silently shadow itself.
func ParsePolicies(data []byte) (Snapshot, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return Snapshot{}, fmt.Errorf("failed to parse policy file: %w", err)
		}
	}
	return file.Snapshot()
}

// Snapshot validates the file contents.
func (f PolicyFile) Snapshot() (Snapshot, error) {
	var snap Snapshot

	seen := make(map[string]struct{})
	for i, p := range f.RateLimits {
		if err := p.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("rate_limits[%d]: %w", i, err)
		}
		if _, dup := seen[p.Key()]; dup {
			return Snapshot{}, fmt.Errorf("rate_limits[%d]: %w", i, domain.NewConfigError("key", "duplicate policy %s", p.Key()))
		}
		seen[p.Key()] = struct{}{}
		snap.RateLimits = append(snap.RateLimits, p)
	}

	seen = make(map[string]struct{})
	for i, p := range f.CircuitBreakers {
		p.CircuitBreakerConfig = p.CircuitBreakerConfig.WithDefaults()
		if err := p.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("circuit_breakers[%d]: %w", i, err)
		}
		key := domain.BreakerKey(p.Service, p.Provider)
		if _, dup := seen[key]; dup {
			return Snapshot{}, fmt.Errorf("circuit_breakers[%d]: %w", i, domain.NewConfigError("key", "duplicate breaker %s", key))
		}
		seen[key] = struct{}{}
		snap.CircuitBreakers = append(snap.CircuitBreakers, p)
	}

	seen = make(map[string]struct{})
	for i, spec := range f.Budgets {
		b, err := spec.ToDomain()
		if err != nil {
			return Snapshot{}, fmt.Errorf("budgets[%d]: %w", i, err)
		}
		if _, dup := seen[b.Name]; dup {
			return Snapshot{}, fmt.Errorf("budgets[%d]: %w", i, domain.NewConfigError("name", "duplicate budget %s", b.Name))
		}
		seen[b.Name] = struct{}{}
		snap.Budgets = append(snap.Budgets, b)
	}
	return snap, nil
}
