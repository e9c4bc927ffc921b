package telemetry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-guard/pkg/domain"
)

// instruments are created lazily against whatever MeterProvider is global
// at first use.
type instruments struct {
	decisions   metric.Int64Counter
	transitions metric.Int64Counter
	alerts      metric.Int64Counter
	incidents   metric.Int64Counter
	calls       metric.Int64Counter
	callLatency metric.Float64Histogram
}

var (
	instMu sync.Mutex
	inst   *instruments
)

func loadInstruments() (*instruments, bool) {
	instMu.Lock()
	defer instMu.Unlock()
	if inst != nil {
		return inst, true
	}
	i, err := newInstruments(otel.GetMeterProvider().Meter(instrumentationName))
	if err != nil {
		return nil, false
	}
	inst = i
	return inst, true
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		i    instruments
		errs []error
	)
	count := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{count}"))
		errs = append(errs, err)
		return c
	}
	i.decisions = count("guard.admission.decisions_total", "Admission decisions partitioned by outcome")
	i.transitions = count("guard.breaker.transitions_total", "Circuit breaker state transitions")
	i.alerts = count("guard.budget.alerts_total", "Budget threshold alerts emitted")
	i.incidents = count("guard.incidents_total", "Incident lifecycle events")
	i.calls = count("guard.provider.calls_total", "Guarded dependency calls partitioned by outcome")

	h, err := meter.Float64Histogram("guard.provider.call_duration_ms",
		metric.WithDescription("Observed guarded call latency"),
		metric.WithUnit("ms"),
	)
	i.callLatency = h
	if err := errors.Join(append(errs, err)...); err != nil {
		return nil, err
	}
	return &i, nil
}

// DecisionMetrics captures the fields recorded for one admission decision.
type DecisionMetrics struct {
	IdentifierType domain.IdentifierType
	Scope          string
	Allowed        bool
	Reason         string
}

// RecordDecision counts an admission decision.
func RecordDecision(ctx context.Context, m DecisionMetrics) {
	in, ok := loadInstruments()
	if !ok {
		return
	}
	outcome := "allowed"
	if !m.Allowed {
		outcome = "denied"
	}
	attrs := []attribute.KeyValue{
		attribute.String("identifier.type", string(m.IdentifierType)),
		attribute.String("scope", m.Scope),
		attribute.String("decision", outcome),
	}
	if m.Reason != "" {
		attrs = append(attrs, attribute.String("reason", m.Reason))
	}
	in.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBreakerTransition counts a circuit breaker state change.
func RecordBreakerTransition(ctx context.Context, t domain.BreakerTransition) {
	in, ok := loadInstruments()
	if !ok {
		return
	}
	in.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", t.Service),
		attribute.String("provider", t.Provider),
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
	))
}

// RecordAlert counts an emitted budget alert.
func RecordAlert(ctx context.Context, a domain.CostAlert) {
	in, ok := loadInstruments()
	if !ok {
		return
	}
	in.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("budget", a.BudgetName),
		attribute.String("threshold", strconv.FormatFloat(a.Threshold, 'f', -1, 64)),
		attribute.Bool("critical", a.Critical()),
	))
}

// RecordIncident counts an incident lifecycle event.
func RecordIncident(ctx context.Context, event domain.IncidentEvent, inc domain.Incident) {
	in, ok := loadInstruments()
	if !ok {
		return
	}
	in.incidents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(event)),
		attribute.String("severity", string(inc.Severity)),
		attribute.String("source", string(inc.Source)),
	))
}

// CallMetrics captures the fields recorded for one guarded dependency call.
type CallMetrics struct {
	Service  string
	Provider string
	// Outcome is success, failure or short_circuited.
	Outcome  string
	Duration time.Duration
}

// RecordCall counts a guarded call and records its latency.
func RecordCall(ctx context.Context, m CallMetrics) {
	in, ok := loadInstruments()
	if !ok {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", m.Service),
		attribute.String("provider", m.Provider),
		attribute.String("outcome", m.Outcome),
	)
	in.calls.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		in.callLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}
