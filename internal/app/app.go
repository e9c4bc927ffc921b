// Package app assembles the guard process from configuration: stores,
// notification channels, the protective components, the supervisor loop, the
// policy file watcher and the admin API.
package app

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-guard/internal/admin"
	"github.com/polisai/polis-guard/internal/budget"
	"github.com/polisai/polis-guard/internal/gateway"
	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/internal/incident"
	"github.com/polisai/polis-guard/internal/signals"
	guardtls "github.com/polisai/polis-guard/internal/tls"
	"github.com/polisai/polis-guard/pkg/config"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/notify"
	"github.com/polisai/polis-guard/pkg/storage"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

// Options carries process-level overrides.
type Options struct {
	Logger *slog.Logger
	// Listener, when set, replaces the configured admin address.
	Listener net.Listener
	Now      func() time.Time
}

// App is a fully wired guard process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	store      storage.Store
	writer     *storage.AsyncWriter
	dispatcher *notify.Dispatcher
	metrics    *telemetry.Metrics

	limiter    *governance.RateLimiter
	breakers   *governance.CircuitBreakerRegistry
	collector  *signals.Collector
	aggregator *signals.Aggregator
	budgets    *budget.Guard
	incidents  *incident.Manager
	gateway    *gateway.Gateway
	supervisor *Supervisor
	policies   *config.FileProvider
	admin      *admin.Server
	listener   net.Listener
	tlsConfig  *cryptotls.Config

	shutdownTelemetry func(context.Context) error

	mu          sync.Mutex
	fileBudgets map[string]struct{}
}

// New builds every component from cfg and restores persisted state. The
// returned App does no background work until Run.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	a := &App{
		cfg:         cfg,
		logger:      logger,
		now:         now,
		listener:    opts.Listener,
		metrics:     telemetry.NewMetrics(),
		fileBudgets: make(map[string]struct{}),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.shutdownTelemetry, err = telemetry.SetupProvider(ctx, cfg.Telemetry, a.metrics.Registry())
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	if a.store, err = openStore(cfg.Storage); err != nil {
		return nil, err
	}
	a.writer = storage.NewAsyncWriter(a.store, cfg.Storage.Async, logger.With("component", "store"))

	notifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}
	a.dispatcher = notify.NewDispatcher(cfg.Notify.Dispatcher, notifier, logger.With("component", "notify"))

	if err := a.buildComponents(); err != nil {
		return nil, err
	}
	if err := a.restore(ctx); err != nil {
		return nil, err
	}

	if cfg.Policies.File != "" {
		a.policies, err = config.NewFileProvider(cfg.Policies.File, cfg.Policies.Debounce, logger.With("component", "policies"))
		if err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		a.policies.OnReload(func(_ config.Snapshot, err error) {
			if err != nil {
				a.metrics.RecordConfigReload("error")
			}
		})
		if err := a.ApplySnapshot(ctx, a.policies.Current()); err != nil {
			return nil, err
		}
	}

	if cfg.Server.TLS.Enabled() {
		if a.tlsConfig, err = guardtls.BuildServer(cfg.Server.TLS); err != nil {
			return nil, fmt.Errorf("admin tls: %w", err)
		}
	}

	a.admin, err = admin.New(admin.Config{
		Limiter:    a.limiter,
		Breakers:   a.breakers,
		Collector:  a.collector,
		Aggregator: a.aggregator,
		Thresholds: a.thresholds(),
		Budgets:    a.budgets,
		Incidents:  a.incidents,
		Gateway:    a.gateway,
		Store:      a.store,
		Policies:   a.policies,
		Metrics:    a.metrics,
		Token:      cfg.Server.AdminToken,
		Logger:     logger.With("component", "admin"),
		Now:        now,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	default:
		store, err := storage.OpenGorm(cfg.Database())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
		}
		return store, nil
	}
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	var out notify.Multi
	if cfg.Log {
		out = append(out, notify.NewLogNotifier(logger.With("component", "notify")))
	}
	for i, wc := range cfg.Webhooks {
		n, err := notify.NewWebhookNotifier(wc, nil, logger.With("component", "notify", "webhook", i))
		if err != nil {
			return nil, fmt.Errorf("webhook %d: %w", i, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (a *App) thresholds() signals.Thresholds {
	return signals.Thresholds{
		Default:  a.cfg.Signals.Thresholds,
		Services: a.cfg.Signals.ServiceThresholds,
	}
}

func (a *App) buildComponents() error {
	cfg := a.cfg
	registry := governance.RegistryConfig{
		Shards:             cfg.Governance.Shards,
		MaxEntriesPerShard: cfg.Governance.MaxEntriesPerShard,
		IdleTTL:            cfg.Governance.IdleTTL,
	}

	var err error
	a.limiter, err = governance.NewRateLimiter(governance.RateLimiterConfig{
		DefaultPolicy: cfg.Governance.DefaultRateLimit.Policy(),
		Registry:      registry,
		Now:           a.now,
	}, a.logger.With("component", "ratelimit"))
	if err != nil {
		return err
	}

	a.breakers, err = governance.NewCircuitBreakerRegistry(governance.CircuitBreakerRegistryConfig{
		Default:  cfg.Governance.DefaultBreaker,
		Registry: registry,
		Now:      a.now,
	}, a.logger.With("component", "breakers"))
	if err != nil {
		return err
	}
	a.breakers.OnTransition(a.onTransition)

	a.collector = signals.NewCollector(signals.CollectorConfig{
		Shards:              cfg.Signals.Shards,
		MaxBufferedPerShard: cfg.Signals.MaxBufferedPerShard,
		RawRetention:        cfg.Signals.RawRetention,
		Now:                 a.now,
	})
	retention, err := a.windowRetention()
	if err != nil {
		return err
	}
	a.aggregator = signals.NewAggregator(a.collector, signals.AggregatorConfig{
		Lateness:    cfg.Signals.Lateness,
		Retention:   retention,
		Compression: cfg.Signals.Compression,
		Staleness:   cfg.Signals.Staleness,
		Now:         a.now,
	}, a.writer, a.logger.With("component", "signals"))

	a.budgets = budget.NewGuard(budget.Config{Now: a.now}, a.writer, a.logger.With("component", "budget"))
	a.budgets.OnAlert(a.onAlert)

	a.incidents = incident.NewManager(incident.Config{
		EscalationDelays:  cfg.Incidents.Delays(),
		ResolvedRetention: cfg.Incidents.ResolvedRetention,
		Now:               a.now,
	}, incidentNotifier{a.dispatcher}, a.writer, a.logger.With("component", "incident"))

	a.gateway, err = gateway.New(gateway.Config{
		Limiter:           a.limiter,
		Breakers:          a.breakers,
		Collector:         a.collector,
		Usage:             a.budgets,
		Metrics:           a.metrics,
		Logger:            a.logger.With("component", "gateway"),
		Concurrency:       cfg.Governance.Concurrency,
		CallPolicies:      cfg.Governance.Calls,
		DefaultCallPolicy: cfg.Governance.DefaultCall,
		Now:               a.now,
	})
	if err != nil {
		return err
	}

	a.supervisor, err = NewSupervisor(SupervisorConfig{
		Limiter:         a.limiter,
		Breakers:        a.breakers,
		Collector:       a.collector,
		Aggregator:      a.aggregator,
		Budgets:         a.budgets,
		Incidents:       a.incidents,
		Store:           a.store,
		Writer:          a.writer,
		Dispatcher:      a.dispatcher,
		Metrics:         a.metrics,
		Notifier:        a.dispatcher,
		Thresholds:      a.thresholds(),
		AutoDeclare:     cfg.Incidents.AutoDeclare,
		Interval:        cfg.Supervisor.Interval,
		SweepInterval:   cfg.Supervisor.SweepInterval,
		WindowRetention: retention,
		UsageRetention:  cfg.Supervisor.UsageRetention,
		Logger:          a.logger.With("component", "supervisor"),
		Now:             a.now,
	})
	return err
}

// windowRetention fills configured retention with the aggregator defaults.
func (a *App) windowRetention() (map[domain.Granularity]time.Duration, error) {
	configured, err := a.cfg.Signals.RetentionByGranularity()
	if err != nil {
		return nil, err
	}
	out := signals.DefaultAggregatorConfig().Retention
	merged := make(map[domain.Granularity]time.Duration, len(out))
	for g, d := range out {
		merged[g] = d
	}
	for g, d := range configured {
		merged[g] = d
	}
	return merged, nil
}

// restore reloads budgets, alert keys and usage of every live period plus
// incidents from the store.
func (a *App) restore(ctx context.Context) error {
	now := a.now()
	since := domain.PeriodMonthly.Start(now)
	if w := domain.PeriodWeekly.Start(now); w.Before(since) {
		since = w
	}
	state, err := a.store.Load(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	a.budgets.Restore(state.Budgets, state.Alerts, state.Usage)
	a.incidents.Restore(state.Incidents)
	a.logger.Info("State restored",
		"budgets", len(state.Budgets),
		"alerts", len(state.Alerts),
		"usage_events", len(state.Usage),
		"incidents", len(state.Incidents))
	return nil
}

func (a *App) onTransition(t domain.BreakerTransition) {
	ctx := context.Background()
	a.metrics.SetBreakerState(t.Service, t.Provider, t.To)
	telemetry.RecordBreakerTransition(ctx, t)
	_ = a.dispatcher.NotifyTransition(ctx, t)
}

func (a *App) onAlert(al domain.CostAlert) {
	ctx := context.Background()
	telemetry.RecordAlert(ctx, al)
	_ = a.dispatcher.NotifyAlert(ctx, al)
}

// incidentNotifier counts lifecycle events before queueing the notification.
type incidentNotifier struct {
	d *notify.Dispatcher
}

func (n incidentNotifier) NotifyIncident(ctx context.Context, event domain.IncidentEvent, inc domain.Incident) error {
	telemetry.RecordIncident(ctx, event, inc)
	return n.d.NotifyIncident(ctx, event, inc)
}

// ApplySnapshot installs a policy generation. Buckets, breaker states and
// usage survive; budgets dropped from the file are deactivated.
func (a *App) ApplySnapshot(ctx context.Context, snap config.Snapshot) error {
	if _, err := a.limiter.ApplyPolicies(snap.RateLimits); err != nil {
		a.metrics.RecordConfigReload("error")
		return err
	}
	if _, err := a.breakers.ApplyPolicies(snap.CircuitBreakers); err != nil {
		a.metrics.RecordConfigReload("error")
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]struct{}, len(snap.Budgets))
	var errs []error
	for _, b := range snap.Budgets {
		if !b.Active {
			continue
		}
		if _, err := a.budgets.Configure(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("budget %s: %w", b.Name, err))
			continue
		}
		next[b.Name] = struct{}{}
	}
	for name := range a.fileBudgets {
		if _, ok := next[name]; ok {
			continue
		}
		if err := a.budgets.Deactivate(ctx, name); err != nil && !errors.Is(err, domain.ErrBudgetNotFound) {
			errs = append(errs, err)
		}
	}
	a.fileBudgets = next

	if err := errors.Join(errs...); err != nil {
		a.metrics.RecordConfigReload("error")
		return err
	}
	a.metrics.RecordConfigReload("success")
	a.logger.Info("Policy generation applied",
		"generation", snap.Generation,
		"rate_limits", len(snap.RateLimits),
		"circuit_breakers", len(snap.CircuitBreakers),
		"budgets", len(snap.Budgets))
	return nil
}

// Run starts every background task and the admin server and blocks until ctx
// is cancelled or one of them fails. The store writer and the notification
// dispatcher stop last so the final supervisor pass is persisted and
// announced.
func (a *App) Run(ctx context.Context) error {
	sinkCtx, stopSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSinks()
	sinks, sinkCtx := errgroup.WithContext(sinkCtx)
	sinks.Go(func() error { return a.writer.Run(sinkCtx) })
	sinks.Go(func() error { return a.dispatcher.Run(sinkCtx) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.supervisor.Run(gctx) })
	if a.policies != nil {
		updates := a.policies.Subscribe()
		g.Go(func() error { return a.policies.Watch(gctx) })
		g.Go(func() error { return a.applyUpdates(gctx, updates) })
	}
	g.Go(func() error {
		srv := a.cfg.Server
		ln := a.listener
		if ln == nil {
			var err error
			if ln, err = net.Listen("tcp", srv.AdminAddress); err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.AdminAddress, err)
			}
		}
		return a.admin.Serve(gctx, guardtls.Listen(ln, a.tlsConfig), srv.ReadTimeout, srv.WriteTimeout, srv.ShutdownTimeout)
	})

	a.logger.Info("Guard running", "admin_address", a.cfg.Server.AdminAddress, "store", a.cfg.Storage.Driver)
	err := g.Wait()

	stopSinks()
	if serr := sinks.Wait(); err == nil {
		err = serr
	}
	return err
}

func (a *App) applyUpdates(ctx context.Context, updates <-chan config.Snapshot) error {
	var applied uint64
	if a.policies != nil {
		applied = a.policies.Current().Generation
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-updates:
			if snap.Generation <= applied {
				continue
			}
			if err := a.ApplySnapshot(ctx, snap); err != nil {
				a.logger.Error("Failed to apply policy generation", "generation", snap.Generation, "error", err)
				continue
			}
			applied = snap.Generation
		}
	}
}

// ReloadPolicies rereads the policy file now. The new generation is applied
// by Run.
func (a *App) ReloadPolicies() (config.Snapshot, error) {
	if a.policies == nil {
		return config.Snapshot{}, errors.New("no policy file configured")
	}
	return a.policies.Reload()
}

// Close releases the policy watcher, the store and telemetry exporters.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.policies != nil {
		errs = append(errs, a.policies.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	return errors.Join(errs...)
}

// Gateway returns the protective path for in-process callers.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Supervisor returns the background loop.
func (a *App) Supervisor() *Supervisor { return a.supervisor }

// Budgets returns the budget guard.
func (a *App) Budgets() *budget.Guard { return a.budgets }

// Incidents returns the incident manager.
func (a *App) Incidents() *incident.Manager { return a.incidents }

// Limiter returns the rate limiter.
func (a *App) Limiter() *governance.RateLimiter { return a.limiter }

// Breakers returns the circuit breaker registry.
func (a *App) Breakers() *governance.CircuitBreakerRegistry { return a.breakers }

// Store returns the durable store.
func (a *App) Store() storage.Store { return a.store }

// Writer returns the asynchronous store writer.
func (a *App) Writer() *storage.AsyncWriter { return a.writer }

// Admin returns the admin API server.
func (a *App) Admin() *admin.Server { return a.admin }
