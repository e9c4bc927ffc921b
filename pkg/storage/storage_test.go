package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-guard/pkg/domain"
)

var day = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

func newGormStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenGorm(DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"gorm":   newGormStore,
	}
}

func testBudget(name string) domain.CostBudget {
	return domain.CostBudget{
		Name:            name,
		Service:         "llm",
		Period:          domain.PeriodDaily,
		AmountLimit:     decimal.RequireFromString("100.50"),
		AlertThresholds: []float64{0.5, 0.8, 1.0},
		Active:          true,
		Version:         1,
		UpdatedAt:       day,
	}
}

func TestStoreBudgetsUpsert(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			b := testBudget("llm-daily")
			require.NoError(t, s.PutBudget(ctx, b))
			b.AmountLimit = decimal.NewFromInt(200)
			b.Version = 2
			require.NoError(t, s.PutBudget(ctx, b))
			require.NoError(t, s.PutBudget(ctx, testBudget("search-daily")))

			st, err := s.Load(ctx, day)
			require.NoError(t, err)
			require.Len(t, st.Budgets, 2)
			assert.Equal(t, "llm-daily", st.Budgets[0].Name)
			assert.Equal(t, 2, st.Budgets[0].Version)
			assert.True(t, st.Budgets[0].AmountLimit.Equal(decimal.NewFromInt(200)))
			assert.Equal(t, []float64{0.5, 0.8, 1.0}, st.Budgets[0].AlertThresholds)
			assert.Equal(t, "search-daily", st.Budgets[1].Name)
		})
	}
}

func TestStoreAlertsIgnoreDuplicates(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			a := domain.CostAlert{
				BudgetName:   "llm-daily",
				Service:      "llm",
				Threshold:    0.8,
				CurrentUsage: decimal.NewFromInt(81),
				AmountLimit:  decimal.NewFromInt(100),
				PeriodStart:  day,
				Timestamp:    day.Add(time.Hour),
			}
			require.NoError(t, s.PutAlert(ctx, a))
			dup := a
			dup.CurrentUsage = decimal.NewFromInt(95)
			require.NoError(t, s.PutAlert(ctx, dup))

			prev := a
			prev.PeriodStart = day.AddDate(0, 0, -1)
			require.NoError(t, s.PutAlert(ctx, prev))

			st, err := s.Load(ctx, day)
			require.NoError(t, err)
			require.Len(t, st.Alerts, 1)
			assert.True(t, st.Alerts[0].CurrentUsage.Equal(decimal.NewFromInt(81)))
			assert.True(t, st.Alerts[0].PeriodStart.Equal(day))
		})
	}
}

func TestStoreUsageSince(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			events := []domain.CostUsageEvent{
				{Service: "llm", CostType: "openai", Amount: decimal.RequireFromString("1.25"), Timestamp: day.Add(-time.Hour)},
				{Service: "llm", CostType: "openai", Amount: decimal.RequireFromString("2.50"), Timestamp: day.Add(time.Hour)},
				{Service: "llm", CostType: "anthropic", Amount: decimal.RequireFromString("0.75"), Timestamp: day.Add(2 * time.Hour)},
			}
			require.NoError(t, s.PutUsage(ctx, events))
			require.NoError(t, s.PutUsage(ctx, nil))

			st, err := s.Load(ctx, day)
			require.NoError(t, err)
			require.Len(t, st.Usage, 2)

			total := decimal.Zero
			for _, e := range st.Usage {
				total = total.Add(e.Amount)
			}
			assert.Equal(t, "3.25", total.StringFixed(2))

			n, err := s.PruneUsage(ctx, day)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			st, err = s.Load(ctx, time.Time{})
			require.NoError(t, err)
			assert.Len(t, st.Usage, 2)
		})
	}
}

func TestStoreIncidents(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			inc := domain.Incident{
				ID:              "inc-1",
				Title:           "llm errors",
				Severity:        domain.SeverityMajor,
				AffectedService: "llm",
				Status:          domain.IncidentOpen,
				Source:          domain.SourceGoldenSignal,
				Context:         map[string]string{"errors": "0.12"},
				CreatedAt:       day,
			}
			require.NoError(t, s.PutIncident(ctx, inc))

			resolved := day.Add(30 * time.Minute)
			inc.Status = domain.IncidentResolved
			inc.ResolvedAt = &resolved
			inc.RootCause = "provider outage"
			require.NoError(t, s.PutIncident(ctx, inc))

			got, err := s.Incident(ctx, "inc-1")
			require.NoError(t, err)
			assert.Equal(t, domain.IncidentResolved, got.Status)
			assert.Equal(t, "provider outage", got.RootCause)
			assert.Equal(t, "0.12", got.Context["errors"])
			require.NotNil(t, got.ResolvedAt)
			assert.True(t, got.ResolvedAt.Equal(resolved))
			assert.Nil(t, got.EscalatedAt)

			_, err = s.Incident(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			st, err := s.Load(ctx, day)
			require.NoError(t, err)
			assert.Len(t, st.Incidents, 1)
		})
	}
}

func TestStoreWindows(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			var windows []domain.GoldenSignalWindow
			for i := 0; i < 5; i++ {
				windows = append(windows, domain.GoldenSignalWindow{
					Service:        "llm",
					MetricType:     domain.MetricLatency,
					Granularity:    domain.Granularity1m,
					WindowStart:    day.Add(time.Duration(i) * time.Minute),
					WindowDuration: time.Minute,
					Samples:        10 + i,
					Aggregate:      domain.Aggregate{Count: float64(10 + i), P99: float64(100 * (i + 1))},
				})
			}
			windows = append(windows, domain.GoldenSignalWindow{
				Service:     "llm",
				MetricType:  domain.MetricLatency,
				Granularity: domain.Granularity5m,
				WindowStart: day,
				Samples:     60,
			})
			require.NoError(t, s.PutWindows(ctx, windows))

			// Re-putting a window replaces it.
			replaced := windows[4]
			replaced.Aggregate.P99 = 999
			require.NoError(t, s.PutWindows(ctx, []domain.GoldenSignalWindow{replaced}))

			got, err := s.Windows(ctx, WindowQuery{Service: "llm", Granularity: domain.Granularity1m, Limit: 2})
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.True(t, got[0].WindowStart.Equal(day.Add(3*time.Minute)))
			assert.Equal(t, 999.0, got[1].Aggregate.P99)

			got, err = s.Windows(ctx, WindowQuery{
				MetricType: domain.MetricLatency,
				From:       day.Add(time.Minute),
				To:         day.Add(3 * time.Minute),
			})
			require.NoError(t, err)
			assert.Len(t, got, 2)

			n, err := s.PruneWindows(ctx, domain.Granularity1m, day.Add(2*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			got, err = s.Windows(ctx, WindowQuery{Service: "llm"})
			require.NoError(t, err)
			assert.Len(t, got, 4)
		})
	}
}

func TestOpenGormRejectsUnknownDriver(t *testing.T) {
	_, err := OpenGorm(DatabaseConfig{Driver: "oracle"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestGormStorePing(t *testing.T) {
	s := newGormStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestAsyncWriterFlushesOnShutdown(t *testing.T) {
	store := NewMemoryStore()
	w := NewAsyncWriter(store, AsyncConfig{BatchSize: 100, FlushInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	bg := context.Background()
	require.NoError(t, w.PutBudget(bg, testBudget("llm-daily")))
	require.NoError(t, w.PutAlert(bg, domain.CostAlert{BudgetName: "llm-daily", Threshold: 0.5, PeriodStart: day}))
	for i := 0; i < 3; i++ {
		require.NoError(t, w.PutUsage(bg, domain.CostUsageEvent{Service: "llm", Amount: decimal.NewFromInt(1), Timestamp: day}))
	}
	require.NoError(t, w.PutIncident(bg, domain.Incident{ID: "inc-1", CreatedAt: day}))
	require.NoError(t, w.PutWindows(bg, []domain.GoldenSignalWindow{{Service: "llm", MetricType: domain.MetricTraffic, Granularity: domain.Granularity1m, WindowStart: day}}))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}

	st, err := store.Load(bg, day)
	require.NoError(t, err)
	assert.Len(t, st.Budgets, 1)
	assert.Len(t, st.Alerts, 1)
	assert.Len(t, st.Usage, 3)
	assert.Len(t, st.Incidents, 1)

	windows, err := store.Windows(bg, WindowQuery{})
	require.NoError(t, err)
	assert.Len(t, windows, 1)

	stats := w.Stats()
	assert.Equal(t, uint64(7), stats.Written)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Queued)
}

func TestAsyncWriterFlushesFullBatches(t *testing.T) {
	store := NewMemoryStore()
	w := NewAsyncWriter(store, AsyncConfig{BatchSize: 2, FlushInterval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.PutUsage(ctx, domain.CostUsageEvent{Service: "llm", Amount: decimal.NewFromInt(1), Timestamp: day}))
	}

	assert.Eventually(t, func() bool {
		st, err := store.Load(context.Background(), day)
		return err == nil && len(st.Usage) == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncWriterDropsWhenFull(t *testing.T) {
	w := NewAsyncWriter(NewMemoryStore(), AsyncConfig{QueueSize: 2}, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.PutIncident(ctx, domain.Incident{ID: fmt.Sprintf("inc-%d", i)}))
	}
	stats := w.Stats()
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, uint64(3), stats.Dropped)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) PutUsage(context.Context, []domain.CostUsageEvent) error {
	return errors.New("disk full")
}

func TestAsyncWriterCountsFailures(t *testing.T) {
	w := NewAsyncWriter(failingStore{NewMemoryStore()}, AsyncConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, w.PutUsage(ctx, domain.CostUsageEvent{Service: "llm", Amount: decimal.NewFromInt(1), Timestamp: day}))
	}
	require.NoError(t, w.PutIncident(ctx, domain.Incident{ID: "inc-1"}))
	cancel()
	require.NoError(t, w.Run(ctx))

	stats := w.Stats()
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, uint64(1), stats.Written)
}
