// Package gateway composes admission control, circuit breaking, golden signal
// recording and cost accounting around inbound requests and outbound calls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/internal/signals"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

// UsageRecorder accepts cost usage for budget tracking.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, service, costType string, amount decimal.Decimal) error
}

// Config holds the collaborators and settings of a Gateway.
type Config struct {
	Limiter   *governance.RateLimiter
	Breakers  *governance.CircuitBreakerRegistry
	Collector *signals.Collector
	// Usage is optional; without it call costs are not tracked.
	Usage UsageRecorder
	// Metrics is optional.
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	// Concurrency maps a service to its nominal concurrent call capacity.
	// Services listed here get a saturation sample on every call.
	Concurrency map[string]int
	// CallPolicies maps a service to its timeout and retry policy.
	// Services without an entry use DefaultCallPolicy.
	CallPolicies      map[string]governance.CallPolicy
	DefaultCallPolicy governance.CallPolicy
	Now               func() time.Time
	// Sleep waits between retries. Defaults to a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Gateway is the protective path for inbound requests and outbound calls.
type Gateway struct {
	limiter     *governance.RateLimiter
	breakers    *governance.CircuitBreakerRegistry
	collector   *signals.Collector
	usage       UsageRecorder
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	concurrency map[string]int
	policies    map[string]governance.CallPolicy
	fallback    governance.CallPolicy
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	inflight sync.Map // service -> *atomic.Int64
}

// New creates a gateway. The limiter, breaker registry and collector are required.
func New(cfg Config) (*Gateway, error) {
	if cfg.Limiter == nil || cfg.Breakers == nil || cfg.Collector == nil {
		return nil, errors.New("gateway: limiter, breakers and collector are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if err := cfg.DefaultCallPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: default call policy: %w", err)
	}
	for svc, p := range cfg.CallPolicies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("gateway: call policy for %s: %w", svc, err)
		}
	}
	return &Gateway{
		limiter:     cfg.Limiter,
		breakers:    cfg.Breakers,
		collector:   cfg.Collector,
		usage:       cfg.Usage,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
		policies:    cfg.CallPolicies,
		fallback:    cfg.DefaultCallPolicy,
		now:         cfg.Now,
		sleep:       cfg.Sleep,
	}, nil
}

// Admission is one inbound admission check. Service names the golden signal
// stream the request counts toward; it defaults to the scope.
type Admission struct {
	governance.AdmissionRequest
	Service string
}

// Admit runs the admission check. A denial is returned both as the decision
// and as a *domain.AdmissionRejectedError.
func (g *Gateway) Admit(ctx context.Context, a Admission) (domain.RateLimitDecision, error) {
	ctx, span := g.tracer.Start(ctx, "guard.admit", trace.WithAttributes(
		attribute.String("guard.identifier.type", string(a.IdentifierType)),
		attribute.String("guard.identifier", telemetry.MaskIdentifier(a.Identifier)),
		attribute.String("guard.scope", a.Scope),
	))
	defer span.End()

	d := g.limiter.Allow(ctx, a.AdmissionRequest)
	telemetry.RecordAdmission(span, d)
	telemetry.RecordDecision(ctx, telemetry.DecisionMetrics{
		IdentifierType: a.IdentifierType,
		Scope:          a.Scope,
		Allowed:        d.Allowed,
		Reason:         d.Reason,
	})
	if g.metrics != nil {
		g.metrics.RecordAdmission(d, a.IdentifierType, a.Scope)
	}

	if !d.Allowed {
		return d, d.Err()
	}

	service := a.Service
	if service == "" {
		service = a.Scope
	}
	if service == "" {
		service = domain.DefaultScope
	}
	g.record(service, domain.MetricTraffic, 1, g.now())
	return d, nil
}

// CallSpec describes one guarded dependency call.
type CallSpec struct {
	Service  string
	Provider string
	// CostType and Cost are charged to the service's budgets when the call succeeds.
	CostType string
	Cost     decimal.Decimal
}

// Call runs fn behind the provider's circuit breaker. When the breaker rejects
// the call fn is not invoked and a *domain.ProviderUnavailableError is
// returned. Each attempt counts toward the breaker and the golden signals;
// retryable failures are retried under the service's call policy. The cost is
// charged to the service's budgets once, when an attempt succeeds.
func (g *Gateway) Call(ctx context.Context, spec CallSpec, fn func(context.Context) error) error {
	if spec.Service == "" || spec.Provider == "" {
		return domain.NewConfigError("call", "service and provider are required")
	}

	ctx, span := g.tracer.Start(ctx, "guard.call", trace.WithAttributes(
		attribute.String("guard.service", spec.Service),
		attribute.String("guard.provider", spec.Provider),
	))
	defer span.End()

	policy := g.policy(spec.Service)
	var err error
	attempts := 0
	for {
		attempts++
		err = g.attempt(ctx, spec, policy, fn)
		if err == nil || attempts > policy.MaxRetries || !governance.Retryable(err) {
			break
		}
		wait := policy.Backoff(attempts - 1)
		g.logger.Debug("Retrying guarded call",
			"service", spec.Service,
			"provider", spec.Provider,
			"attempt", attempts,
			"backoff", wait.String(),
			"error", err)
		if serr := g.sleep(ctx, wait); serr != nil {
			break
		}
	}
	span.SetAttributes(attribute.Int("guard.attempts", attempts))

	if err != nil {
		var unavailable *domain.ProviderUnavailableError
		if errors.As(err, &unavailable) {
			telemetry.RecordShortCircuit(span, unavailable)
			span.SetStatus(codes.Error, "provider unavailable")
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if attempts > 1 {
			return &governance.RetriesExhaustedError{Attempts: attempts, Err: err}
		}
		return err
	}

	if g.usage != nil && spec.Cost.IsPositive() {
		costType := spec.CostType
		if costType == "" {
			costType = spec.Provider
		}
		if uerr := g.usage.RecordUsage(ctx, spec.Service, costType, spec.Cost); uerr != nil {
			g.logger.Warn("Failed to record call cost",
				"service", spec.Service,
				"provider", spec.Provider,
				"cost", spec.Cost.String(),
				"error", uerr)
		}
	}
	return nil
}

// attempt runs fn once through the breaker and records its outcome.
func (g *Gateway) attempt(ctx context.Context, spec CallSpec, policy governance.CallPolicy, fn func(context.Context) error) error {
	ticket, err := g.Acquire(ctx, spec.Service, spec.Provider)
	if err != nil {
		return err
	}

	start := g.now()
	actx, cancel := policy.AttemptContext(ctx)
	g.enter(spec.Service, start)
	err = g.invoke(actx, fn)
	g.leave(spec.Service)
	if err == nil && actx.Err() != nil && ctx.Err() == nil {
		// fn ignored its deadline and returned late.
		err = actx.Err()
	}
	cancel()

	g.Complete(ctx, ticket, err == nil, g.now().Sub(start))
	return err
}

// Acquire asks the provider's breaker to let one call through. A rejection
// is counted as a failed request of the service and returned as a
// *domain.ProviderUnavailableError. Callers that make the call themselves
// report its outcome with Complete.
func (g *Gateway) Acquire(ctx context.Context, service, provider string) (governance.Ticket, error) {
	at := g.now()
	ticket, err := g.breakers.Acquire(service, provider)
	if err != nil {
		g.record(service, domain.MetricTraffic, 1, at)
		g.record(service, domain.MetricErrors, 1, at)
		telemetry.RecordCall(ctx, telemetry.CallMetrics{Service: service, Provider: provider, Outcome: "short_circuited"})
		return governance.Ticket{}, err
	}
	return ticket, nil
}

// Complete reports the outcome of a call made under ticket to the breaker
// and the service's golden signals.
func (g *Gateway) Complete(ctx context.Context, ticket governance.Ticket, success bool, elapsed time.Duration) {
	end := g.now()
	g.breakers.RecordResult(ticket, success)

	g.record(ticket.Service, domain.MetricLatency, float64(elapsed)/float64(time.Millisecond), end)
	g.record(ticket.Service, domain.MetricTraffic, 1, end)

	outcome := "success"
	if !success {
		outcome = "failure"
		g.record(ticket.Service, domain.MetricErrors, 1, end)
	}
	telemetry.RecordCall(ctx, telemetry.CallMetrics{
		Service:  ticket.Service,
		Provider: ticket.Provider,
		Outcome:  outcome,
		Duration: elapsed,
	})
}

func (g *Gateway) policy(service string) governance.CallPolicy {
	if p, ok := g.policies[service]; ok {
		return p
	}
	return g.fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// invoke runs fn and turns a panic into an error so the breaker still sees
// the outcome.
func (g *Gateway) invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("guarded call panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

func (g *Gateway) record(service string, metric domain.MetricType, value float64, ts time.Time) {
	if err := g.collector.Record(service, metric, value, ts); err != nil {
		g.logger.Debug("Golden signal sample rejected", "service", service, "metric", string(metric), "error", err)
	}
}

func (g *Gateway) counter(service string) *atomic.Int64 {
	if v, ok := g.inflight.Load(service); ok {
		return v.(*atomic.Int64)
	}
	v, _ := g.inflight.LoadOrStore(service, new(atomic.Int64))
	return v.(*atomic.Int64)
}

func (g *Gateway) enter(service string, at time.Time) {
	n := g.counter(service).Add(1)
	if capacity := g.concurrency[service]; capacity > 0 {
		g.record(service, domain.MetricSaturation, float64(n)/float64(capacity), at)
	}
}

func (g *Gateway) leave(service string) {
	g.counter(service).Add(-1)
}

// InFlight returns the number of calls currently running for service.
func (g *Gateway) InFlight(service string) int64 {
	if v, ok := g.inflight.Load(service); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}
