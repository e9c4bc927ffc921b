package signals

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-guard/pkg/domain"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingSink struct {
	mu      sync.Mutex
	windows []domain.GoldenSignalWindow
}

func (s *recordingSink) PutWindows(_ context.Context, w []domain.GoldenSignalWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w...)
	return nil
}

var base = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func newPipeline(clock *fakeClock, sink WindowSink) (*Collector, *Aggregator) {
	c := NewCollector(CollectorConfig{Now: clock.Now, RawRetention: 48 * time.Hour})
	cfg := DefaultAggregatorConfig()
	cfg.Now = clock.Now
	a := NewAggregator(c, cfg, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, a
}

func TestCollectorValidatesAndDrains(t *testing.T) {
	clock := &fakeClock{now: base}
	c := NewCollector(CollectorConfig{Now: clock.Now, MaxBufferedPerShard: 2, Shards: 1})

	assert.ErrorIs(t, c.Record("", domain.MetricLatency, 1, base), domain.ErrConfigInvalid)
	assert.ErrorIs(t, c.Record("svc", "throughput", 1, base), domain.ErrConfigInvalid)

	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, time.Time{}))
	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base))
	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base))
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, 2, c.Buffered())

	drained := c.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, base, drained[0].Timestamp, "zero timestamp means now")
	assert.Zero(t, c.Buffered())
}

func TestCollectorDropsExpiredSamples(t *testing.T) {
	clock := &fakeClock{now: base}
	c := NewCollector(CollectorConfig{Now: clock.Now, RawRetention: time.Minute})

	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base.Add(-2*time.Minute)))
	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base))

	assert.Len(t, c.Drain(), 1)
	assert.Equal(t, uint64(1), c.Expired())
}

func TestAggregatorClosesWindowsAfterLateness(t *testing.T) {
	clock := &fakeClock{now: base.Add(10 * time.Second)}
	sink := &recordingSink{}
	c, a := newPipeline(clock, sink)

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Record("search", domain.MetricLatency, float64(i+1), base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	res := a.Flush(context.Background())
	assert.Equal(t, 100, res.Ingested)
	assert.Empty(t, res.Closed)

	// End of minute plus lateness.
	clock.Set(base.Add(90 * time.Second))
	res = a.Flush(context.Background())
	require.Len(t, res.Closed, 1)

	w := res.Closed[0]
	assert.Equal(t, domain.Granularity1m, w.Granularity)
	assert.Equal(t, base, w.WindowStart)
	assert.Equal(t, 100, w.Samples)
	assert.Equal(t, 1.0, w.Aggregate.Min)
	assert.Equal(t, 100.0, w.Aggregate.Max)
	assert.InDelta(t, 50.5, w.Aggregate.Average, 1e-9)
	assert.InDelta(t, 50, w.Aggregate.P50, 2)
	assert.InDelta(t, 95, w.Aggregate.P95, 2)
	assert.InDelta(t, 99, w.Aggregate.P99, 2)

	latest, ok := a.Latest("search", domain.MetricLatency, domain.Granularity1m)
	require.True(t, ok)
	assert.Equal(t, w, latest)
	assert.Len(t, sink.windows, 1)
}

func TestAggregatorErrorRatioUsesTraffic(t *testing.T) {
	clock := &fakeClock{now: base}
	c, a := newPipeline(clock, nil)

	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, c.Record("booking", domain.MetricTraffic, 1, ts))
		if i%5 == 0 {
			require.NoError(t, c.Record("booking", domain.MetricErrors, 1, ts))
		}
	}
	require.NoError(t, c.Record("idle", domain.MetricErrors, 2, base))

	clock.Set(base.Add(2 * time.Minute))
	a.Flush(context.Background())

	traffic, ok := a.Latest("booking", domain.MetricTraffic, domain.Granularity1m)
	require.True(t, ok)
	assert.Equal(t, 20.0, traffic.Aggregate.Count)

	errs, ok := a.Latest("booking", domain.MetricErrors, domain.Granularity1m)
	require.True(t, ok)
	assert.InDelta(t, 0.2, errs.Aggregate.Ratio, 1e-9)

	idle, ok := a.Latest("idle", domain.MetricErrors, domain.Granularity1m)
	require.True(t, ok)
	assert.Equal(t, 1.0, idle.Aggregate.Ratio, "errors without traffic saturate the ratio")
}

func TestAggregatorSaturationSnapshot(t *testing.T) {
	clock := &fakeClock{now: base}
	c, a := newPipeline(clock, nil)

	require.NoError(t, c.Record("db", domain.MetricSaturation, 0.9, base.Add(40*time.Second)))
	require.NoError(t, c.Record("db", domain.MetricSaturation, 0.5, base.Add(10*time.Second)))
	require.NoError(t, c.Record("db", domain.MetricSaturation, 0.7, base.Add(20*time.Second)))

	clock.Set(base.Add(2 * time.Minute))
	a.Flush(context.Background())

	w, ok := a.Latest("db", domain.MetricSaturation, domain.Granularity1m)
	require.True(t, ok)
	assert.InDelta(t, 0.7, w.Aggregate.Average, 1e-9)
	assert.Equal(t, 0.9, w.Aggregate.Last, "last is the latest by timestamp, not arrival")
}

func TestAggregatorDropsLateSamplesEverywhere(t *testing.T) {
	clock := &fakeClock{now: base}
	c, a := newPipeline(clock, nil)

	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base.Add(5*time.Second)))
	clock.Set(base.Add(2 * time.Minute))
	a.Flush(context.Background())

	// Belongs to the closed 10:00 minute, but the 10:00 hour is still open.
	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base.Add(30*time.Second)))
	res := a.Flush(context.Background())
	assert.Equal(t, 1, res.Late)
	assert.Equal(t, uint64(1), a.LateDropped())

	clock.Set(base.Add(2 * time.Hour))
	a.Flush(context.Background())
	hour, ok := a.Latest("svc", domain.MetricTraffic, domain.Granularity1h)
	require.True(t, ok)
	assert.Equal(t, 1.0, hour.Aggregate.Count)
}

func TestAggregatorRetention(t *testing.T) {
	clock := &fakeClock{now: base}
	c, a := newPipeline(clock, nil)

	require.NoError(t, c.Record("svc", domain.MetricTraffic, 1, base))
	clock.Set(base.Add(2 * time.Minute))
	a.Flush(context.Background())
	_, ok := a.Latest("svc", domain.MetricTraffic, domain.Granularity1m)
	require.True(t, ok)

	clock.Set(base.Add(7 * time.Hour))
	a.Flush(context.Background())
	_, ok = a.Latest("svc", domain.MetricTraffic, domain.Granularity1m)
	assert.False(t, ok, "1m rollups expire after six hours")
	_, ok = a.Latest("svc", domain.MetricTraffic, domain.Granularity1h)
	assert.True(t, ok)
}

func TestClassify(t *testing.T) {
	th := domain.DefaultHealthThresholds()
	latency := func(p99 float64) domain.GoldenSignalWindow {
		return domain.GoldenSignalWindow{MetricType: domain.MetricLatency, Aggregate: domain.Aggregate{P99: p99}}
	}
	errs := func(ratio float64) domain.GoldenSignalWindow {
		return domain.GoldenSignalWindow{MetricType: domain.MetricErrors, Aggregate: domain.Aggregate{Ratio: ratio}}
	}

	tests := []struct {
		name    string
		windows []domain.GoldenSignalWindow
		want    domain.HealthStatus
	}{
		{"no data", nil, domain.HealthUnknown},
		{"healthy", []domain.GoldenSignalWindow{latency(100), errs(0)}, domain.HealthHealthy},
		{"one soft", []domain.GoldenSignalWindow{latency(800), errs(0)}, domain.HealthWarning},
		{"two soft", []domain.GoldenSignalWindow{latency(800), errs(0.02)}, domain.HealthWarning},
		{"hard", []domain.GoldenSignalWindow{latency(100), errs(0.2)}, domain.HealthCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Classify("svc", th, tt.windows)
			assert.Equal(t, tt.want, h.Status)
		})
	}
}

func TestOverviewUsesPerServiceThresholds(t *testing.T) {
	clock := &fakeClock{now: base}
	c, a := newPipeline(clock, nil)

	require.NoError(t, c.Record("fast", domain.MetricLatency, 300, base))
	require.NoError(t, c.Record("slow", domain.MetricLatency, 300, base))
	clock.Set(base.Add(2 * time.Minute))
	a.Flush(context.Background())

	th := DefaultThresholds()
	th.Services = map[string]domain.HealthThresholds{
		"fast": {Latency: domain.Threshold{Soft: 100, Hard: 250}},
	}
	require.NoError(t, th.Validate())

	overview := a.Overview(th)
	require.Len(t, overview, 2)
	assert.Equal(t, "fast", overview[0].Service)
	assert.Equal(t, domain.HealthCritical, overview[0].Status)
	assert.Equal(t, domain.HealthHealthy, overview[1].Status)
}

func TestOverviewIgnoresStaleWindows(t *testing.T) {
	clock := &fakeClock{now: base}
	c, a := newPipeline(clock, nil)

	require.NoError(t, c.Record("search", domain.MetricLatency, 9000, base))
	clock.Set(base.Add(2 * time.Minute))
	a.Flush(context.Background())

	overview := a.Overview(DefaultThresholds())
	require.Len(t, overview, 1)
	assert.Equal(t, domain.HealthCritical, overview[0].Status)

	clock.Set(base.Add(10 * time.Minute))
	a.Flush(context.Background())
	overview = a.Overview(DefaultThresholds())
	require.Len(t, overview, 1)
	assert.Equal(t, domain.HealthUnknown, overview[0].Status, "a quiet service is not still critical")
	assert.Empty(t, overview[0].Windows)

	_, ok := a.Latest("search", domain.MetricLatency, domain.Granularity1m)
	assert.True(t, ok, "the window itself is retained")
}

// Property: closed 1m traffic windows of an hour sum to that hour's rollup,
// whatever the arrival order and flush cadence.
func TestMinuteWindowsReconcileWithHourProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := &fakeClock{now: base}
		c, a := newPipeline(clock, nil)

		n := rapid.IntRange(1, 300).Draw(t, "samples")
		for i := 0; i < n; i++ {
			offset := time.Duration(rapid.IntRange(0, 3599).Draw(t, "offset_s")) * time.Second
			value := float64(rapid.IntRange(1, 3).Draw(t, "value"))
			if err := c.Record("svc", domain.MetricTraffic, value, base.Add(offset)); err != nil {
				t.Fatal(err)
			}
			if rapid.IntRange(0, 9).Draw(t, "flush") == 0 {
				clock.Set(clock.Now().Add(time.Duration(rapid.IntRange(0, 60).Draw(t, "advance_s")) * time.Second))
				a.Flush(context.Background())
			}
		}

		clock.Set(base.Add(3 * time.Hour))
		a.Flush(context.Background())

		hour, ok := a.Latest("svc", domain.MetricTraffic, domain.Granularity1h)
		minutes := a.Windows("svc", domain.MetricTraffic, domain.Granularity1m, base, base.Add(time.Hour))
		sum := 0.0
		for _, w := range minutes {
			sum += w.Aggregate.Count
		}
		if !ok {
			if sum != 0 {
				t.Fatalf("minute windows sum to %v without an hour rollup", sum)
			}
			return
		}
		if sum != hour.Aggregate.Count {
			t.Fatalf("minute sum %v != hour count %v", sum, hour.Aggregate.Count)
		}
	})
}
