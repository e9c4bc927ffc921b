package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/polisai/polis-guard/pkg/domain"
)

// DispatcherConfig bounds the asynchronous notification queue.
type DispatcherConfig struct {
	QueueSize int `yaml:"queue_size"`
	// RatePerSecond throttles deliveries; zero disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// DrainTimeout bounds delivery of queued events at shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     1024,
		RatePerSecond: 10,
		Burst:         20,
		DrainTimeout:  5 * time.Second,
	}
}

// Dispatcher decouples callers from slow channels. Enqueueing never blocks:
// when the queue is full the event is dropped and counted.
type Dispatcher struct {
	queue    chan Event
	limiter  *rate.Limiter
	notifier Notifier
	drain    time.Duration
	logger   *slog.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher delivering to notifier.
func NewDispatcher(cfg DispatcherConfig, notifier Notifier, logger *slog.Logger) *Dispatcher {
	d := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = d.DrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Dispatcher{
		queue:    make(chan Event, cfg.QueueSize),
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		notifier: notifier,
		drain:    cfg.DrainTimeout,
		logger:   logger,
	}
}

// Notify enqueues an event. It implements Notifier and never blocks.
func (d *Dispatcher) Notify(_ context.Context, e Event) error {
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Notification queue full, dropping event", "event_id", e.ID, "kind", string(e.Kind))
	}
	return nil
}

// NotifyIncident enqueues an incident lifecycle notification.
func (d *Dispatcher) NotifyIncident(ctx context.Context, event domain.IncidentEvent, inc domain.Incident) error {
	return d.Notify(ctx, IncidentEvent(event, inc))
}

// NotifyAlert enqueues a budget alert notification.
func (d *Dispatcher) NotifyAlert(ctx context.Context, a domain.CostAlert) error {
	return d.Notify(ctx, AlertEvent(a))
}

// NotifyTransition enqueues a breaker transition notification.
func (d *Dispatcher) NotifyTransition(ctx context.Context, t domain.BreakerTransition) error {
	return d.Notify(ctx, TransitionEvent(t))
}

// Run delivers queued events until ctx is cancelled, then drains what is
// left within the drain timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drainQueue()
			return nil
		case e := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				d.requeueOrDrop(e)
				d.drainQueue()
				return nil
			}
			d.deliver(ctx, e)
		}
	}
}

func (d *Dispatcher) requeueOrDrop(e Event) {
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), d.drain)
	defer cancel()

	for {
		select {
		case e := <-d.queue:
			if ctx.Err() != nil {
				d.dropped.Add(1)
				continue
			}
			d.deliver(ctx, e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	if err := d.notifier.Notify(ctx, e); err != nil {
		d.failed.Add(1)
		d.logger.Warn("Notification delivery failed", "event_id", e.ID, "kind", string(e.Kind), "error", err)
		return
	}
	d.delivered.Add(1)
}

// DispatcherStats reports delivery counters.
type DispatcherStats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    len(d.queue),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
