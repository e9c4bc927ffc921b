package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

// AsyncConfig bounds the write-behind queue.
type AsyncConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// DrainTimeout bounds the final flush at shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultAsyncConfig returns sensible defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:     4096,
		BatchSize:     256,
		FlushInterval: time.Second,
		DrainTimeout:  5 * time.Second,
	}
}

type writeOp struct {
	budget   *domain.CostBudget
	alert    *domain.CostAlert
	usage    *domain.CostUsageEvent
	incident *domain.Incident
	windows  []domain.GoldenSignalWindow
}

// AsyncWriter queues writes and applies them to a Store in batches. Enqueueing
// never blocks: when the queue is full the write is dropped and counted.
//
// It satisfies the persistence hooks of the budget guard, the incident
// manager and the signal aggregator.
type AsyncWriter struct {
	store  Store
	cfg    AsyncConfig
	queue  chan writeOp
	logger *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewAsyncWriter creates a writer in front of store. Call Run to start it.
func NewAsyncWriter(store Store, cfg AsyncConfig, logger *slog.Logger) *AsyncWriter {
	d := DefaultAsyncConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = d.DrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncWriter{
		store:  store,
		cfg:    cfg,
		queue:  make(chan writeOp, cfg.QueueSize),
		logger: logger,
	}
}

func (w *AsyncWriter) enqueue(op writeOp, kind string) {
	select {
	case w.queue <- op:
	default:
		w.dropped.Add(1)
		w.logger.Warn("Storage queue full, dropping write", "kind", kind)
	}
}

// PutBudget enqueues a budget upsert.
func (w *AsyncWriter) PutBudget(_ context.Context, b domain.CostBudget) error {
	b.AlertThresholds = append([]float64(nil), b.AlertThresholds...)
	w.enqueue(writeOp{budget: &b}, "budget")
	return nil
}

// PutAlert enqueues an alert key.
func (w *AsyncWriter) PutAlert(_ context.Context, a domain.CostAlert) error {
	w.enqueue(writeOp{alert: &a}, "alert")
	return nil
}

// PutUsage enqueues one usage event.
func (w *AsyncWriter) PutUsage(_ context.Context, e domain.CostUsageEvent) error {
	w.enqueue(writeOp{usage: &e}, "usage")
	return nil
}

// PutIncident enqueues an incident upsert.
func (w *AsyncWriter) PutIncident(_ context.Context, inc domain.Incident) error {
	c := inc.Clone()
	w.enqueue(writeOp{incident: &c}, "incident")
	return nil
}

// PutWindows enqueues closed windows.
func (w *AsyncWriter) PutWindows(_ context.Context, windows []domain.GoldenSignalWindow) error {
	if len(windows) == 0 {
		return nil
	}
	w.enqueue(writeOp{windows: append([]domain.GoldenSignalWindow(nil), windows...)}, "windows")
	return nil
}

// Run applies queued writes until ctx is cancelled, then flushes what is left
// within the drain timeout.
func (w *AsyncWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]writeOp, 0, w.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			w.drain(batch)
			return nil
		case op := <-w.queue:
			batch = append(batch, op)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *AsyncWriter) drain(batch []writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()

	for {
		select {
		case op := <-w.queue:
			batch = append(batch, op)
		default:
			if len(batch) > 0 {
				w.flush(ctx, batch)
			}
			return
		}
	}
}

// flush groups a batch by kind so usage events and windows go out in bulk.
func (w *AsyncWriter) flush(ctx context.Context, batch []writeOp) {
	var (
		usage   []domain.CostUsageEvent
		windows []domain.GoldenSignalWindow
	)
	for _, op := range batch {
		switch {
		case op.budget != nil:
			w.result(w.store.PutBudget(ctx, *op.budget), 1, "budget")
		case op.alert != nil:
			w.result(w.store.PutAlert(ctx, *op.alert), 1, "alert")
		case op.incident != nil:
			w.result(w.store.PutIncident(ctx, *op.incident), 1, "incident")
		case op.usage != nil:
			usage = append(usage, *op.usage)
		case len(op.windows) > 0:
			windows = append(windows, op.windows...)
		}
	}
	if len(usage) > 0 {
		w.result(w.store.PutUsage(ctx, usage), len(usage), "usage")
	}
	if len(windows) > 0 {
		w.result(w.store.PutWindows(ctx, windows), len(windows), "windows")
	}
}

func (w *AsyncWriter) result(err error, n int, kind string) {
	if err != nil {
		w.failed.Add(uint64(n))
		w.logger.Error("Storage write failed", "kind", kind, "records", n, "error", err)
		return
	}
	w.written.Add(uint64(n))
}

// AsyncStats reports write-behind counters.
type AsyncStats struct {
	Queued  int    `json:"queued"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns current counters.
func (w *AsyncWriter) Stats() AsyncStats {
	return AsyncStats{
		Queued:  len(w.queue),
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}
