package signals

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/polisai/polis-guard/pkg/domain"
)

// WindowSink receives closed windows for durable storage. Implementations must
// not block; the aggregator calls it outside of its lock.
type WindowSink interface {
	PutWindows(ctx context.Context, windows []domain.GoldenSignalWindow) error
}

// AggregatorConfig controls window closing and rollup retention.
type AggregatorConfig struct {
	// Lateness is how long after its end a window stays open for late samples.
	Lateness time.Duration
	// Retention keeps closed windows of each granularity for this long.
	Retention map[domain.Granularity]time.Duration
	// Compression is the t-digest compression for latency percentiles.
	Compression float64
	// Staleness is how long past its close a minute window still counts
	// towards health. A service with no fresher windows is unknown.
	Staleness time.Duration
	Now       func() time.Time
}

// DefaultAggregatorConfig returns sensible defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Lateness: 30 * time.Second,
		Retention: map[domain.Granularity]time.Duration{
			domain.Granularity1m: 6 * time.Hour,
			domain.Granularity5m: 48 * time.Hour,
			domain.Granularity1h: 30 * 24 * time.Hour,
			domain.Granularity1d: 400 * 24 * time.Hour,
		},
		Compression: 100,
		Staleness:   2 * time.Minute,
	}
}

type seriesKey struct {
	service string
	metric  domain.MetricType
	gran    domain.Granularity
}

type windowKey struct {
	seriesKey
	start int64 // unix nanos
}

// accumulator folds samples of one open window.
type accumulator struct {
	samples int
	sum     float64
	min     float64
	max     float64
	last    float64
	lastAt  time.Time
	digest  *tdigest.TDigest
}

func (a *accumulator) add(s domain.GoldenSignalSample) {
	if a.samples == 0 {
		a.min, a.max = s.Value, s.Value
	} else {
		a.min = math.Min(a.min, s.Value)
		a.max = math.Max(a.max, s.Value)
	}
	a.samples++
	a.sum += s.Value
	if !s.Timestamp.Before(a.lastAt) {
		a.last = s.Value
		a.lastAt = s.Timestamp
	}
	if a.digest != nil {
		a.digest.Add(s.Value, 1)
	}
}

// Aggregator rolls drained samples into 1m, 5m, 1h and 1d windows.
//
// A sample is accepted only while its 1-minute window is still open; it is
// then folded into every granularity at once. Coarser windows end no earlier
// than the minute windows they contain, so closed minute windows always sum
// to the hour window that contains them.
type Aggregator struct {
	mu        sync.Mutex
	cfg       AggregatorConfig
	collector *Collector
	open      map[windowKey]*accumulator
	closed    map[seriesKey][]domain.GoldenSignalWindow
	watermark time.Time
	late      uint64

	sink   WindowSink
	logger *slog.Logger
}

// NewAggregator creates an aggregator that drains collector on every Flush.
func NewAggregator(collector *Collector, cfg AggregatorConfig, sink WindowSink, logger *slog.Logger) *Aggregator {
	d := DefaultAggregatorConfig()
	if cfg.Lateness < 0 {
		cfg.Lateness = 0
	}
	if cfg.Retention == nil {
		cfg.Retention = d.Retention
	}
	for g, r := range d.Retention {
		if _, ok := cfg.Retention[g]; !ok {
			cfg.Retention[g] = r
		}
	}
	if cfg.Compression <= 0 {
		cfg.Compression = d.Compression
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = d.Staleness
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		cfg:       cfg,
		collector: collector,
		open:      make(map[windowKey]*accumulator),
		closed:    make(map[seriesKey][]domain.GoldenSignalWindow),
		sink:      sink,
		logger:    logger,
	}
}

// FlushResult summarizes one Flush pass.
type FlushResult struct {
	Ingested int
	Late     int
	Closed   []domain.GoldenSignalWindow
}

// Flush drains the collector, folds samples into open windows, closes every
// window whose end plus lateness has passed and prunes expired rollups.
func (a *Aggregator) Flush(ctx context.Context) FlushResult {
	samples := a.collector.Drain()
	now := a.cfg.Now()

	a.mu.Lock()
	res := FlushResult{}
	for _, s := range samples {
		if !a.acceptLocked(s) {
			res.Late++
			continue
		}
		a.foldLocked(s)
		res.Ingested++
	}
	a.late += uint64(res.Late)

	if wm := now.Add(-a.cfg.Lateness); wm.After(a.watermark) {
		a.watermark = wm
	}
	res.Closed = a.closeLocked()
	a.pruneLocked(now)
	a.mu.Unlock()

	if res.Late > 0 {
		a.logger.Debug("Dropped late golden signal samples", "count", res.Late)
	}
	if len(res.Closed) > 0 && a.sink != nil {
		if err := a.sink.PutWindows(ctx, res.Closed); err != nil {
			a.logger.Warn("Failed to persist closed windows", "count", len(res.Closed), "error", err)
		}
	}
	return res
}

// acceptLocked admits a sample while its 1-minute window has not closed.
func (a *Aggregator) acceptLocked(s domain.GoldenSignalSample) bool {
	end := windowStart(s.Timestamp, domain.Granularity1m).Add(time.Minute)
	return end.After(a.watermark)
}

func (a *Aggregator) foldLocked(s domain.GoldenSignalSample) {
	for _, g := range domain.Granularities {
		key := windowKey{
			seriesKey: seriesKey{service: s.Service, metric: s.MetricType, gran: g},
			start:     windowStart(s.Timestamp, g).UnixNano(),
		}
		acc, ok := a.open[key]
		if !ok {
			acc = &accumulator{}
			if s.MetricType == domain.MetricLatency {
				acc.digest = tdigest.NewWithCompression(a.cfg.Compression)
			}
			a.open[key] = acc
		}
		acc.add(s)
	}
}

// closeLocked finalizes every open window ending at or before the watermark.
// Error ratios read the traffic window of the same span, which closes in the
// same pass because both share an end.
func (a *Aggregator) closeLocked() []domain.GoldenSignalWindow {
	var due []windowKey
	for key := range a.open {
		end := time.Unix(0, key.start).Add(key.gran.Duration())
		if !end.After(a.watermark) {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return nil
	}

	out := make([]domain.GoldenSignalWindow, 0, len(due))
	for _, key := range due {
		out = append(out, a.finalizeLocked(key))
	}
	for _, key := range due {
		delete(a.open, key)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		if out[i].Granularity != out[j].Granularity {
			return out[i].WindowDuration < out[j].WindowDuration
		}
		return out[i].MetricType < out[j].MetricType
	})
	for _, w := range out {
		sk := seriesKey{service: w.Service, metric: w.MetricType, gran: w.Granularity}
		a.closed[sk] = append(a.closed[sk], w)
	}
	return out
}

func (a *Aggregator) finalizeLocked(key windowKey) domain.GoldenSignalWindow {
	acc := a.open[key]
	w := domain.GoldenSignalWindow{
		Service:        key.service,
		MetricType:     key.metric,
		Granularity:    key.gran,
		WindowStart:    time.Unix(0, key.start).UTC(),
		WindowDuration: key.gran.Duration(),
		Samples:        acc.samples,
	}

	agg := domain.Aggregate{
		Count: float64(acc.samples),
		Sum:   acc.sum,
		Min:   acc.min,
		Max:   acc.max,
		Last:  acc.last,
	}
	if acc.samples > 0 {
		agg.Average = acc.sum / float64(acc.samples)
	}

	switch key.metric {
	case domain.MetricLatency:
		agg.P50 = acc.digest.Quantile(0.50)
		agg.P95 = acc.digest.Quantile(0.95)
		agg.P99 = acc.digest.Quantile(0.99)
	case domain.MetricTraffic:
		// Traffic samples carry request counts, so the window count is their sum.
		agg.Count = acc.sum
	case domain.MetricErrors:
		agg.Count = acc.sum
		traffic := 0.0
		if t, ok := a.open[windowKey{seriesKey: seriesKey{service: key.service, metric: domain.MetricTraffic, gran: key.gran}, start: key.start}]; ok {
			traffic = t.sum
		}
		agg.Ratio = errorRatio(acc.sum, traffic)
	}

	w.Aggregate = agg
	return w
}

func errorRatio(errors, total float64) float64 {
	switch {
	case errors <= 0:
		return 0
	case total <= 0:
		return 1
	default:
		return math.Min(1, errors/total)
	}
}

func (a *Aggregator) pruneLocked(now time.Time) {
	for sk, windows := range a.closed {
		cutoff := now.Add(-a.cfg.Retention[sk.gran])
		i := 0
		for i < len(windows) && windows[i].WindowStart.Add(windows[i].WindowDuration).Before(cutoff) {
			i++
		}
		if i == len(windows) {
			delete(a.closed, sk)
			continue
		}
		if i > 0 {
			a.closed[sk] = append([]domain.GoldenSignalWindow(nil), windows[i:]...)
		}
	}
}

// Latest returns the most recent closed window of a series.
func (a *Aggregator) Latest(service string, metric domain.MetricType, g domain.Granularity) (domain.GoldenSignalWindow, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	windows := a.closed[seriesKey{service: service, metric: metric, gran: g}]
	if len(windows) == 0 {
		return domain.GoldenSignalWindow{}, false
	}
	return windows[len(windows)-1], true
}

// Windows returns closed windows of a series starting in [from, to).
func (a *Aggregator) Windows(service string, metric domain.MetricType, g domain.Granularity, from, to time.Time) []domain.GoldenSignalWindow {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []domain.GoldenSignalWindow
	for _, w := range a.closed[seriesKey{service: service, metric: metric, gran: g}] {
		if !w.WindowStart.Before(from) && w.WindowStart.Before(to) {
			out = append(out, w)
		}
	}
	return out
}

// Services lists every service with at least one closed window.
func (a *Aggregator) Services() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{})
	for sk := range a.closed {
		seen[sk.service] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Overview classifies every service from its latest closed 1-minute windows.
// Windows that closed more than Staleness ago are ignored, so a service that
// went quiet reports unknown instead of its last breach.
func (a *Aggregator) Overview(thresholds Thresholds) []domain.ServiceHealth {
	services := a.Services()
	out := make([]domain.ServiceHealth, 0, len(services))
	for _, svc := range services {
		out = append(out, Classify(svc, thresholds.For(svc), a.fresh(svc)))
	}
	return out
}

// fresh returns the latest minute window per metric of a service that is
// still recent enough to classify on.
func (a *Aggregator) fresh(service string) []domain.GoldenSignalWindow {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.watermark.Add(-a.cfg.Staleness)
	var out []domain.GoldenSignalWindow
	for _, m := range domain.MetricTypes {
		windows := a.closed[seriesKey{service: service, metric: m, gran: domain.Granularity1m}]
		if len(windows) == 0 {
			continue
		}
		w := windows[len(windows)-1]
		if w.WindowStart.Add(w.WindowDuration).After(cutoff) {
			out = append(out, w)
		}
	}
	return out
}

// LateDropped returns the number of samples rejected because their minute window had closed.
func (a *Aggregator) LateDropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

// OpenWindows returns the number of windows still accepting samples.
func (a *Aggregator) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

// windowStart aligns t to the UTC epoch grid of g.
func windowStart(t time.Time, g domain.Granularity) time.Time {
	return t.UTC().Truncate(g.Duration())
}
