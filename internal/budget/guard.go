// Package budget accumulates cost usage per service and raises threshold
// alerts against period budgets.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polisai/polis-guard/pkg/domain"
)

// Persister receives budget state changes. Implementations must not block the
// caller; the guard is used on request paths.
type Persister interface {
	PutBudget(ctx context.Context, b domain.CostBudget) error
	PutAlert(ctx context.Context, a domain.CostAlert) error
	PutUsage(ctx context.Context, e domain.CostUsageEvent) error
}

// Config configures a Guard.
type Config struct {
	Now func() time.Time
}

// alertKey is the idempotency key of a threshold alert.
type alertKey struct {
	budget      string
	threshold   float64
	periodStart int64
}

// Guard tracks usage and evaluates budgets. Usage is held in UTC day buckets
// because every period starts on a UTC midnight.
type Guard struct {
	mu      sync.Mutex
	budgets map[string]domain.CostBudget
	usage   map[string]map[int64]decimal.Decimal // service -> day start (unix) -> amount
	fired   map[alertKey]struct{}

	now       func() time.Time
	persister Persister
	onAlert   func(domain.CostAlert)
	logger    *slog.Logger
}

// NewGuard creates a budget guard. persister may be nil.
func NewGuard(cfg Config, persister Persister, logger *slog.Logger) *Guard {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		budgets:   make(map[string]domain.CostBudget),
		usage:     make(map[string]map[int64]decimal.Decimal),
		fired:     make(map[alertKey]struct{}),
		now:       cfg.Now,
		persister: persister,
		logger:    logger,
	}
}

// OnAlert registers a callback invoked for every emitted alert, outside of
// the guard's lock. It must be set before the guard is shared.
func (g *Guard) OnAlert(fn func(domain.CostAlert)) {
	g.onAlert = fn
}

// Configure creates or replaces a budget. Replacing keeps accumulated usage
// and already fired alerts and bumps the version.
func (g *Guard) Configure(ctx context.Context, b domain.CostBudget) (domain.CostBudget, error) {
	if err := b.Validate(); err != nil {
		return domain.CostBudget{}, err
	}
	b.AlertThresholds = append([]float64(nil), b.AlertThresholds...)
	b.Active = true
	b.UpdatedAt = g.now()

	g.mu.Lock()
	prev, exists := g.budgets[b.Name]
	b.Version = 1
	if exists {
		b.Version = prev.Version + 1
	}
	g.budgets[b.Name] = b
	g.mu.Unlock()

	g.logger.Info("Budget configured",
		"budget", b.Name,
		"service", b.Service,
		"period", string(b.Period),
		"amount_limit", b.AmountLimit.String(),
		"version", b.Version)
	g.persistBudget(ctx, b)
	return b, nil
}

// Deactivate stops evaluating a budget. Its history is kept.
func (g *Guard) Deactivate(ctx context.Context, name string) error {
	g.mu.Lock()
	b, ok := g.budgets[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrBudgetNotFound, name)
	}
	b.Active = false
	b.Version++
	b.UpdatedAt = g.now()
	g.budgets[name] = b
	g.mu.Unlock()

	g.logger.Info("Budget deactivated", "budget", name, "version", b.Version)
	g.persistBudget(ctx, b)
	return nil
}

// Budget returns one budget.
func (g *Guard) Budget(name string) (domain.CostBudget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[name]
	return b, ok
}

// Budgets returns every budget ordered by name.
func (g *Guard) Budgets() []domain.CostBudget {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]domain.CostBudget, 0, len(g.budgets))
	for _, b := range g.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordUsage adds a cost-bearing call for service at the current time.
func (g *Guard) RecordUsage(ctx context.Context, service, costType string, amount decimal.Decimal) error {
	return g.RecordEvent(ctx, domain.CostUsageEvent{
		Service:  service,
		CostType: costType,
		Amount:   amount,
	})
}

// RecordEvent adds a usage event. A zero timestamp means now.
func (g *Guard) RecordEvent(ctx context.Context, e domain.CostUsageEvent) error {
	if strings.TrimSpace(e.Service) == "" {
		return domain.NewConfigError("service", "must not be empty")
	}
	if e.Amount.IsNegative() {
		return domain.NewConfigError("amount", "must not be negative, got %s", e.Amount)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = g.now()
	}

	g.mu.Lock()
	g.addUsageLocked(e)
	g.mu.Unlock()

	if g.persister != nil {
		if err := g.persister.PutUsage(ctx, e); err != nil {
			g.logger.Warn("Failed to persist usage event", "service", e.Service, "error", err)
		}
	}
	return nil
}

func (g *Guard) addUsageLocked(e domain.CostUsageEvent) {
	days, ok := g.usage[e.Service]
	if !ok {
		days = make(map[int64]decimal.Decimal)
		g.usage[e.Service] = days
	}
	day := domain.PeriodDaily.Start(e.Timestamp).Unix()
	days[day] = days[day].Add(e.Amount)
}

// usageLocked sums a service's usage in [start, end).
func (g *Guard) usageLocked(service string, start, end time.Time) decimal.Decimal {
	total := decimal.Zero
	from, to := start.Unix(), end.Unix()
	for day, amount := range g.usage[service] {
		if day >= from && day < to {
			total = total.Add(amount)
		}
	}
	return total
}

// Usage returns the usage of a service within the current period of p.
func (g *Guard) Usage(service string, p domain.BudgetPeriod, now time.Time) decimal.Decimal {
	start := p.Start(now)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usageLocked(service, start, p.End(start))
}

// Evaluate checks one budget. At most one alert is emitted per call: the
// highest threshold crossed for the first time this period. Lower thresholds
// crossed in the same step are marked fired without an alert.
func (g *Guard) Evaluate(ctx context.Context, name string, now time.Time) ([]domain.CostAlert, error) {
	g.mu.Lock()
	b, ok := g.budgets[name]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrBudgetNotFound, name)
	}
	alert, suppressed, fired := g.evaluateLocked(b, now)
	g.mu.Unlock()

	for _, th := range suppressed {
		g.logger.Debug("Budget alert suppressed",
			"budget", b.Name,
			"threshold", th,
			"reason", domain.ErrDuplicateAlertSuppressed.Error())
	}
	if !fired {
		return nil, nil
	}
	g.emit(ctx, alert)
	return []domain.CostAlert{alert}, nil
}

// EvaluateAll checks every active budget.
func (g *Guard) EvaluateAll(ctx context.Context, now time.Time) []domain.CostAlert {
	var alerts []domain.CostAlert
	for _, b := range g.Budgets() {
		if !b.Active {
			continue
		}
		a, err := g.Evaluate(ctx, b.Name, now)
		if err != nil {
			// Deactivated or removed concurrently.
			continue
		}
		alerts = append(alerts, a...)
	}
	return alerts
}

func (g *Guard) evaluateLocked(b domain.CostBudget, now time.Time) (domain.CostAlert, []float64, bool) {
	if !b.Active {
		return domain.CostAlert{}, nil, false
	}

	start := b.Period.Start(now)
	usage := g.usageLocked(b.Service, start, b.Period.End(start))

	var newly []float64
	for _, th := range b.AlertThresholds {
		if usage.LessThan(b.ThresholdAmount(th)) {
			break
		}
		key := alertKey{budget: b.Name, threshold: th, periodStart: start.Unix()}
		if err := g.markFiredLocked(key); errors.Is(err, domain.ErrDuplicateAlertSuppressed) {
			continue
		}
		newly = append(newly, th)
	}
	if len(newly) == 0 {
		return domain.CostAlert{}, nil, false
	}

	highest := newly[len(newly)-1]
	return domain.CostAlert{
		BudgetName:   b.Name,
		Service:      b.Service,
		Threshold:    highest,
		CurrentUsage: usage,
		AmountLimit:  b.AmountLimit,
		PeriodStart:  start,
		Timestamp:    now,
	}, newly[:len(newly)-1], true
}

// markFiredLocked records an idempotency key, reporting duplicates.
func (g *Guard) markFiredLocked(key alertKey) error {
	if _, ok := g.fired[key]; ok {
		return domain.ErrDuplicateAlertSuppressed
	}
	g.fired[key] = struct{}{}
	return nil
}

func (g *Guard) emit(ctx context.Context, a domain.CostAlert) {
	level := slog.LevelWarn
	if a.Critical() {
		level = slog.LevelError
	}
	g.logger.Log(ctx, level, "Budget threshold crossed",
		"budget", a.BudgetName,
		"service", a.Service,
		"threshold", a.Threshold,
		"current_usage", a.CurrentUsage.String(),
		"amount_limit", a.AmountLimit.String())

	if g.persister != nil {
		if err := g.persister.PutAlert(ctx, a); err != nil {
			g.logger.Warn("Failed to persist budget alert", "budget", a.BudgetName, "error", err)
		}
	}
	if g.onAlert != nil {
		g.onAlert(a)
	}
}

func (g *Guard) persistBudget(ctx context.Context, b domain.CostBudget) {
	if g.persister == nil {
		return
	}
	if err := g.persister.PutBudget(ctx, b); err != nil {
		g.logger.Warn("Failed to persist budget", "budget", b.Name, "error", err)
	}
}

// Status reports every active budget for the current period.
func (g *Guard) Status(now time.Time) domain.BudgetReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	report := domain.BudgetReport{
		Budgets:    []domain.BudgetStatus{},
		TotalLimit: decimal.Zero,
		TotalUsage: decimal.Zero,
	}
	for _, b := range g.budgets {
		if !b.Active {
			continue
		}
		start := b.Period.Start(now)
		end := b.Period.End(start)
		usage := g.usageLocked(b.Service, start, end)

		status := domain.BudgetStatus{
			Budget:             b,
			PeriodStart:        start,
			PeriodEnd:          end,
			CurrentUsage:       usage,
			UtilizationPercent: percent(usage, b.AmountLimit),
			FiredThresholds:    []float64{},
		}
		for _, th := range b.AlertThresholds {
			if _, ok := g.fired[alertKey{budget: b.Name, threshold: th, periodStart: start.Unix()}]; ok {
				status.FiredThresholds = append(status.FiredThresholds, th)
			}
		}

		report.Budgets = append(report.Budgets, status)
		report.TotalLimit = report.TotalLimit.Add(b.AmountLimit)
		report.TotalUsage = report.TotalUsage.Add(usage)
	}

	sort.Slice(report.Budgets, func(i, j int) bool {
		return report.Budgets[i].Budget.Name < report.Budgets[j].Budget.Name
	})
	report.UtilizationPercent = percent(report.TotalUsage, report.TotalLimit)
	return report
}

func percent(usage, limit decimal.Decimal) float64 {
	if !limit.IsPositive() {
		return 0
	}
	return usage.Div(limit).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// Prune drops usage days and alert keys that no active budget period can
// reference any more.
func (g *Guard) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	oldest := domain.PeriodMonthly.Start(now)
	for _, b := range g.budgets {
		if start := b.Period.Start(now); b.Active && start.Before(oldest) {
			oldest = start
		}
	}

	removed := 0
	for service, days := range g.usage {
		for day := range days {
			if day < oldest.Unix() {
				delete(days, day)
				removed++
			}
		}
		if len(days) == 0 {
			delete(g.usage, service)
		}
	}
	for key := range g.fired {
		b, ok := g.budgets[key.budget]
		if !ok || key.periodStart < b.Period.Start(now).Unix() {
			delete(g.fired, key)
		}
	}
	return removed
}

// Restore loads persisted state, typically at startup before traffic flows.
// Restored alerts are not emitted again, nor are the lower thresholds they
// suppressed.
func (g *Guard) Restore(budgets []domain.CostBudget, alerts []domain.CostAlert, usage []domain.CostUsageEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, b := range budgets {
		if cur, ok := g.budgets[b.Name]; ok && cur.Version >= b.Version {
			continue
		}
		g.budgets[b.Name] = b
	}
	for _, a := range alerts {
		g.restoreAlertLocked(a)
	}
	for _, e := range usage {
		g.addUsageLocked(e)
	}
	g.logger.Info("Budget state restored", "budgets", len(budgets), "alerts", len(alerts), "usage_events", len(usage))
}

// restoreAlertLocked marks the alert's threshold and every lower threshold of
// its budget as fired for the alert's period. Only the highest threshold of a
// pass is persisted, so the lower ones are implied by it.
func (g *Guard) restoreAlertLocked(a domain.CostAlert) {
	period := a.PeriodStart.Unix()
	_ = g.markFiredLocked(alertKey{budget: a.BudgetName, threshold: a.Threshold, periodStart: period})
	b, ok := g.budgets[a.BudgetName]
	if !ok {
		return
	}
	for _, th := range b.AlertThresholds {
		if th > a.Threshold {
			break
		}
		_ = g.markFiredLocked(alertKey{budget: a.BudgetName, threshold: th, periodStart: period})
	}
}
