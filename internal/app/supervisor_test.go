package app

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-guard/internal/budget"
	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/internal/incident"
	"github.com/polisai/polis-guard/internal/signals"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/notify"
	"github.com/polisai/polis-guard/pkg/storage"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *captureNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type supervisorFixture struct {
	clock      *fakeClock
	collector  *signals.Collector
	aggregator *signals.Aggregator
	budgets    *budget.Guard
	incidents  *incident.Manager
	store      *storage.MemoryStore
	metrics    *telemetry.Metrics
	notifier   *captureNotifier
	sup        *Supervisor
}

func newSupervisorFixture(t *testing.T, autoDeclare bool) *supervisorFixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 15, 12, 0, 5, 0, time.UTC)}
	logger := quietLogger()

	limiterCfg := governance.DefaultRateLimiterConfig()
	limiterCfg.Now = clock.Now
	limiter, err := governance.NewRateLimiter(limiterCfg, logger)
	require.NoError(t, err)

	breakerCfg := governance.DefaultCircuitBreakerRegistryConfig()
	breakerCfg.Now = clock.Now
	breakers, err := governance.NewCircuitBreakerRegistry(breakerCfg, logger)
	require.NoError(t, err)

	collectorCfg := signals.DefaultCollectorConfig()
	collectorCfg.Now = clock.Now
	collector := signals.NewCollector(collectorCfg)

	store := storage.NewMemoryStore()
	aggCfg := signals.DefaultAggregatorConfig()
	aggCfg.Lateness = 5 * time.Second
	aggCfg.Now = clock.Now
	aggregator := signals.NewAggregator(collector, aggCfg, store, logger)

	guard := budget.NewGuard(budget.Config{Now: clock.Now}, nil, logger)
	incCfg := incident.DefaultConfig()
	incCfg.Now = clock.Now
	incidents := incident.NewManager(incCfg, nil, store, logger)

	metrics := telemetry.NewMetrics()
	notifier := &captureNotifier{}

	sup, err := NewSupervisor(SupervisorConfig{
		Limiter:         limiter,
		Breakers:        breakers,
		Collector:       collector,
		Aggregator:      aggregator,
		Budgets:         guard,
		Incidents:       incidents,
		Store:           store,
		Metrics:         metrics,
		Notifier:        notifier,
		Thresholds:      signals.DefaultThresholds(),
		AutoDeclare:     autoDeclare,
		Interval:        time.Second,
		SweepInterval:   time.Hour,
		WindowRetention: map[domain.Granularity]time.Duration{domain.Granularity1m: 6 * time.Hour},
		UsageRetention:  48 * time.Hour,
		Logger:          logger,
		Now:             clock.Now,
	})
	require.NoError(t, err)

	return &supervisorFixture{
		clock:      clock,
		collector:  collector,
		aggregator: aggregator,
		budgets:    guard,
		incidents:  incidents,
		store:      store,
		metrics:    metrics,
		notifier:   notifier,
		sup:        sup,
	}
}

func (f *supervisorFixture) slowMinute(t *testing.T, service string) {
	t.Helper()
	ts := f.clock.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.collector.Record(service, domain.MetricLatency, 3000, ts))
	}
}

func TestNewSupervisorRequiresComponents(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{})
	assert.Error(t, err)
}

func TestSupervisorDeclaresOnCriticalHealthOnce(t *testing.T) {
	f := newSupervisorFixture(t, true)
	ctx := context.Background()

	f.slowMinute(t, "search")
	f.clock.Advance(2 * time.Minute)

	pass := f.sup.Tick(ctx)
	assert.Equal(t, 5, pass.Flush.Ingested)
	require.Len(t, pass.Health, 1)
	assert.Equal(t, domain.HealthCritical, pass.Health[0].Status)
	require.Len(t, pass.Declared, 1)
	inc := pass.Declared[0]
	assert.Equal(t, domain.SeverityMajor, inc.Severity)
	assert.Equal(t, domain.SourceGoldenSignal, inc.Source)
	assert.Equal(t, "search", inc.AffectedService)
	assert.Contains(t, inc.Description, "latency")

	// Still critical on the next pass: the open incident absorbs it.
	f.slowMinute(t, "search")
	f.clock.Advance(time.Minute)
	pass = f.sup.Tick(ctx)
	assert.Empty(t, pass.Declared)
	assert.Len(t, f.incidents.Active(), 1)

	assert.Equal(t, []notify.Kind{notify.KindHealth}, f.notifier.kinds())
}

func TestSupervisorDoesNotRedeclareFromQuietService(t *testing.T) {
	f := newSupervisorFixture(t, true)
	ctx := context.Background()

	f.slowMinute(t, "search")
	f.clock.Advance(2 * time.Minute)
	pass := f.sup.Tick(ctx)
	require.Len(t, pass.Declared, 1)

	_, err := f.incidents.Resolve(ctx, pass.Declared[0].ID, "recovered", "")
	require.NoError(t, err)

	declared := 0
	for i := 0; i < 12; i++ {
		f.clock.Advance(5 * time.Minute)
		declared += len(f.sup.Tick(ctx).Declared)
	}
	assert.Zero(t, declared, "no new samples means no new incident")
	assert.Empty(t, f.incidents.Active())
}

func TestSupervisorWithoutAutoDeclare(t *testing.T) {
	f := newSupervisorFixture(t, false)

	f.slowMinute(t, "search")
	f.clock.Advance(2 * time.Minute)

	pass := f.sup.Tick(context.Background())
	require.Len(t, pass.Health, 1)
	assert.Equal(t, domain.HealthCritical, pass.Health[0].Status)
	assert.Empty(t, pass.Declared)
	assert.Empty(t, f.incidents.List())
}

func TestSupervisorDeclaresOnExhaustedBudget(t *testing.T) {
	f := newSupervisorFixture(t, true)
	ctx := context.Background()

	_, err := f.budgets.Configure(ctx, domain.CostBudget{
		Name:            "llm-daily",
		Service:         "search",
		Period:          domain.PeriodDaily,
		AmountLimit:     decimal.NewFromInt(100),
		AlertThresholds: []float64{0.5, 1.0},
	})
	require.NoError(t, err)

	require.NoError(t, f.budgets.RecordUsage(ctx, "search", "llm", decimal.NewFromInt(60)))
	pass := f.sup.Tick(ctx)
	require.Len(t, pass.Alerts, 1)
	assert.Equal(t, 0.5, pass.Alerts[0].Threshold)
	assert.Empty(t, pass.Declared)

	require.NoError(t, f.budgets.RecordUsage(ctx, "search", "llm", decimal.NewFromInt(45)))
	pass = f.sup.Tick(ctx)
	require.Len(t, pass.Alerts, 1)
	assert.Equal(t, 1.0, pass.Alerts[0].Threshold)
	require.Len(t, pass.Declared, 1)
	assert.Equal(t, domain.SourceBudget, pass.Declared[0].Source)
	assert.Equal(t, "llm-daily", pass.Declared[0].Context["budget"])

	pass = f.sup.Tick(ctx)
	assert.Empty(t, pass.Alerts)
	assert.Empty(t, pass.Declared)
}

func TestSupervisorEscalatesAgedIncidents(t *testing.T) {
	f := newSupervisorFixture(t, true)
	ctx := context.Background()

	inc, err := f.incidents.Declare(ctx, domain.DeclareRequest{
		Title:           "Payments down",
		Severity:        domain.SeverityCritical,
		AffectedService: "payments",
	})
	require.NoError(t, err)

	pass := f.sup.Tick(ctx)
	assert.Empty(t, pass.Escalated)

	f.clock.Advance(16 * time.Minute)
	pass = f.sup.Tick(ctx)
	require.Len(t, pass.Escalated, 1)
	assert.Equal(t, inc.ID, pass.Escalated[0].ID)
	assert.True(t, pass.Escalated[0].AutoEscalated)

	pass = f.sup.Tick(ctx)
	assert.Empty(t, pass.Escalated)
}

func TestSupervisorSweepsOnInterval(t *testing.T) {
	f := newSupervisorFixture(t, true)
	ctx := context.Background()
	now := f.clock.Now()

	require.NoError(t, f.store.PutWindows(ctx, []domain.GoldenSignalWindow{
		{Service: "search", MetricType: domain.MetricTraffic, Granularity: domain.Granularity1m, WindowStart: now.Add(-7 * time.Hour), WindowDuration: time.Minute},
		{Service: "search", MetricType: domain.MetricTraffic, Granularity: domain.Granularity1m, WindowStart: now.Add(-time.Hour), WindowDuration: time.Minute},
	}))
	require.NoError(t, f.store.PutUsage(ctx, []domain.CostUsageEvent{
		{Service: "search", Amount: decimal.NewFromInt(1), Timestamp: now.Add(-72 * time.Hour)},
		{Service: "search", Amount: decimal.NewFromInt(1), Timestamp: now.Add(-time.Hour)},
	}))

	pass := f.sup.Tick(ctx)
	assert.True(t, pass.Swept)

	windows, err := f.store.Windows(ctx, storage.WindowQuery{
		Service:     "search",
		MetricType:  domain.MetricTraffic,
		Granularity: domain.Granularity1m,
		From:        now.Add(-24 * time.Hour),
		To:          now,
	})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, now.Add(-time.Hour), windows[0].WindowStart)

	state, err := f.store.Load(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, state.Usage, 1)

	f.clock.Advance(time.Minute)
	assert.False(t, f.sup.Tick(ctx).Swept)
	f.clock.Advance(time.Hour)
	assert.True(t, f.sup.Tick(ctx).Swept)
}

func TestSupervisorPublishesRuntimeGauges(t *testing.T) {
	f := newSupervisorFixture(t, true)
	ctx := context.Background()

	_, err := f.budgets.Configure(ctx, domain.CostBudget{
		Name:            "ops",
		Service:         "search",
		Period:          domain.PeriodMonthly,
		AmountLimit:     decimal.NewFromInt(200),
		AlertThresholds: []float64{0.9},
	})
	require.NoError(t, err)
	require.NoError(t, f.budgets.RecordUsage(ctx, "search", "llm", decimal.NewFromInt(50)))

	f.sup.Tick(ctx)

	rec := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `guard_budget_utilization_ratio{budget="ops",service="search"} 0.25`)
	assert.Contains(t, body, `guard_runtime{component="limiter",stat="entries"}`)
	assert.Contains(t, body, `guard_runtime{component="incidents",stat="active"} 0`)
}

func TestSupervisorRunFlushesOnCancel(t *testing.T) {
	f := newSupervisorFixture(t, true)
	f.slowMinute(t, "search")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sup.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Zero(t, f.collector.Buffered())
	assert.Positive(t, f.aggregator.OpenWindows())
}
