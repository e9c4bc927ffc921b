package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-guard/internal/budget"
	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/internal/incident"
	"github.com/polisai/polis-guard/internal/signals"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/notify"
	"github.com/polisai/polis-guard/pkg/storage"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

// SupervisorConfig wires the background loop. Store, Writer, Dispatcher,
// Metrics and Notifier are optional.
type SupervisorConfig struct {
	Limiter    *governance.RateLimiter
	Breakers   *governance.CircuitBreakerRegistry
	Collector  *signals.Collector
	Aggregator *signals.Aggregator
	Budgets    *budget.Guard
	Incidents  *incident.Manager
	Store      storage.Store
	Writer     *storage.AsyncWriter
	Dispatcher *notify.Dispatcher
	Metrics    *telemetry.Metrics
	// Notifier receives service health changes.
	Notifier notify.Notifier

	Thresholds signals.Thresholds
	// AutoDeclare opens incidents for critical health and exhausted budgets.
	AutoDeclare bool

	Interval      time.Duration
	SweepInterval time.Duration
	// WindowRetention bounds persisted windows per granularity.
	WindowRetention map[domain.Granularity]time.Duration
	UsageRetention  time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Pass reports what one supervisor pass did.
type Pass struct {
	At        time.Time
	Flush     signals.FlushResult
	Alerts    []domain.CostAlert
	Health    []domain.ServiceHealth
	Declared  []domain.Incident
	Escalated []domain.Incident
	Swept     bool
}

// Supervisor closes signal windows, evaluates budgets and health, declares
// and escalates incidents, and evicts idle state.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu        sync.Mutex
	health    map[string]domain.HealthStatus
	lastSweep time.Time
}

// NewSupervisor validates collaborators and applies interval defaults.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Limiter == nil || cfg.Breakers == nil || cfg.Collector == nil ||
		cfg.Aggregator == nil || cfg.Budgets == nil || cfg.Incidents == nil {
		return nil, fmt.Errorf("supervisor: limiter, breakers, signals, budgets and incidents are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		health: make(map[string]domain.HealthStatus),
	}, nil
}

// Run executes a pass every Interval until ctx is cancelled. The pass in
// progress always completes, and a final flush closes whatever windows are
// due before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Supervisor started",
		"interval", s.cfg.Interval.String(),
		"sweep_interval", s.cfg.SweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			res := s.cfg.Aggregator.Flush(context.WithoutCancel(ctx))
			s.logger.Info("Supervisor stopped", "ingested", res.Ingested, "closed", len(res.Closed))
			return nil
		case <-ticker.C:
			s.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick runs one pass.
func (s *Supervisor) Tick(ctx context.Context) Pass {
	now := s.cfg.Now()
	pass := Pass{At: now}

	pass.Flush = s.cfg.Aggregator.Flush(ctx)

	pass.Alerts = s.cfg.Budgets.EvaluateAll(ctx, now)
	for _, a := range pass.Alerts {
		if inc, ok := s.declareForAlert(ctx, a); ok {
			pass.Declared = append(pass.Declared, inc)
		}
	}

	pass.Health = s.cfg.Aggregator.Overview(s.cfg.Thresholds)
	for _, h := range pass.Health {
		s.observeHealth(ctx, h, now)
		if inc, ok := s.declareForHealth(ctx, h); ok {
			pass.Declared = append(pass.Declared, inc)
		}
	}

	pass.Escalated = s.cfg.Incidents.Tick(ctx, now)

	s.mu.Lock()
	due := now.Sub(s.lastSweep) >= s.cfg.SweepInterval
	if due {
		s.lastSweep = now
	}
	s.mu.Unlock()
	if due {
		s.Sweep(ctx, now)
		pass.Swept = true
	}

	s.sampleRuntime(now)
	return pass
}

func (s *Supervisor) observeHealth(ctx context.Context, h domain.ServiceHealth, now time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetServiceHealth(h.Service, h.Status)
	}

	s.mu.Lock()
	prev, seen := s.health[h.Service]
	s.health[h.Service] = h.Status
	s.mu.Unlock()

	if seen && prev == h.Status {
		return
	}
	if !seen && h.Status == domain.HealthHealthy {
		return
	}
	s.logger.Info("Service health changed",
		"service", h.Service,
		"from", string(prev),
		"to", string(h.Status),
		"breaches", len(h.Breaches))
	if s.cfg.Notifier != nil {
		if err := s.cfg.Notifier.Notify(ctx, notify.HealthEvent(h, now)); err != nil {
			s.logger.Warn("Failed to notify health change", "service", h.Service, "error", err)
		}
	}
}

func (s *Supervisor) declareForHealth(ctx context.Context, h domain.ServiceHealth) (domain.Incident, bool) {
	if !s.cfg.AutoDeclare || h.Status != domain.HealthCritical {
		return domain.Incident{}, false
	}

	details := make(map[string]string, len(h.Breaches))
	var hard []string
	for _, b := range h.Breaches {
		details[string(b.MetricType)] = strconv.FormatFloat(b.Value, 'f', -1, 64)
		if b.Hard {
			hard = append(hard, fmt.Sprintf("%s %.4g > %.4g", b.MetricType, b.Value, b.Limit))
		}
	}
	sort.Strings(hard)

	inc, created, err := s.cfg.Incidents.DeclareAutomatic(ctx, "health", domain.DeclareRequest{
		Title:           fmt.Sprintf("Golden signals critical for %s", h.Service),
		Description:     strings.Join(hard, "; "),
		Severity:        domain.SeverityMajor,
		AffectedService: h.Service,
		Source:          domain.SourceGoldenSignal,
		Context:         details,
	})
	if err != nil {
		s.logger.Error("Failed to declare health incident", "service", h.Service, "error", err)
		return domain.Incident{}, false
	}
	return inc, created
}

func (s *Supervisor) declareForAlert(ctx context.Context, a domain.CostAlert) (domain.Incident, bool) {
	if !s.cfg.AutoDeclare || !a.Critical() {
		return domain.Incident{}, false
	}
	period := a.PeriodStart.UTC().Format("2006-01-02")
	inc, created, err := s.cfg.Incidents.DeclareAutomatic(ctx, "budget:"+a.BudgetName+":"+period, domain.DeclareRequest{
		Title:           fmt.Sprintf("Budget %s exhausted", a.BudgetName),
		Description:     fmt.Sprintf("usage %s reached %s of limit %s", a.CurrentUsage, strconv.FormatFloat(a.Threshold*100, 'f', -1, 64)+"%", a.AmountLimit),
		Severity:        domain.SeverityMajor,
		AffectedService: a.Service,
		Source:          domain.SourceBudget,
		Context: map[string]string{
			"budget":       a.BudgetName,
			"threshold":    strconv.FormatFloat(a.Threshold, 'f', -1, 64),
			"period_start": period,
		},
	})
	if err != nil {
		s.logger.Error("Failed to declare budget incident", "budget", a.BudgetName, "error", err)
		return domain.Incident{}, false
	}
	return inc, created
}

// Sweep evicts idle limiter and breaker entries, prunes budget and incident
// memory, and deletes expired rows from the store.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) {
	buckets := s.cfg.Limiter.Sweep()
	breakers := s.cfg.Breakers.Sweep()
	days := s.cfg.Budgets.Prune(now)
	incidents := s.cfg.Incidents.Prune(now)

	var windows, usage int64
	if s.cfg.Store != nil {
		for g, keep := range s.cfg.WindowRetention {
			n, err := s.cfg.Store.PruneWindows(ctx, g, now.Add(-keep))
			if err != nil {
				s.logger.Warn("Failed to prune stored windows", "granularity", string(g), "error", err)
				continue
			}
			windows += n
		}
		if s.cfg.UsageRetention > 0 {
			n, err := s.cfg.Store.PruneUsage(ctx, now.Add(-s.cfg.UsageRetention))
			if err != nil {
				s.logger.Warn("Failed to prune stored usage", "error", err)
			} else {
				usage = n
			}
		}
	}

	s.logger.Debug("Sweep complete",
		"buckets", buckets,
		"breakers", breakers,
		"usage_days", days,
		"incidents", incidents,
		"stored_windows", windows,
		"stored_usage", usage)
}

func (s *Supervisor) sampleRuntime(now time.Time) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	m.SetRuntime("limiter", "entries", float64(s.cfg.Limiter.Len()))
	m.SetRuntime("limiter", "faults", float64(s.cfg.Limiter.Faults()))
	m.SetRuntime("breakers", "entries", float64(s.cfg.Breakers.Len()))
	m.SetRuntime("breakers", "faults", float64(s.cfg.Breakers.Faults()))
	m.SetRuntime("collector", "buffered", float64(s.cfg.Collector.Buffered()))
	m.SetRuntime("collector", "dropped", float64(s.cfg.Collector.Dropped()))
	m.SetRuntime("collector", "expired", float64(s.cfg.Collector.Expired()))
	m.SetRuntime("aggregator", "open_windows", float64(s.cfg.Aggregator.OpenWindows()))
	m.SetRuntime("aggregator", "late_dropped", float64(s.cfg.Aggregator.LateDropped()))
	m.SetRuntime("incidents", "active", float64(len(s.cfg.Incidents.Active())))

	for _, st := range s.cfg.Budgets.Status(now).Budgets {
		m.SetBudgetUtilization(st.Budget.Name, st.Budget.Service, st.UtilizationPercent/100)
	}
	if s.cfg.Writer != nil {
		ws := s.cfg.Writer.Stats()
		m.SetRuntime("store_writer", "queued", float64(ws.Queued))
		m.SetRuntime("store_writer", "written", float64(ws.Written))
		m.SetRuntime("store_writer", "failed", float64(ws.Failed))
		m.SetRuntime("store_writer", "dropped", float64(ws.Dropped))
	}
	if s.cfg.Dispatcher != nil {
		ds := s.cfg.Dispatcher.Stats()
		m.SetRuntime("notify", "queued", float64(ds.Queued))
		m.SetRuntime("notify", "delivered", float64(ds.Delivered))
		m.SetRuntime("notify", "failed", float64(ds.Failed))
		m.SetRuntime("notify", "dropped", float64(ds.Dropped))
	}
}
