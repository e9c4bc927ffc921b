package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-guard/pkg/domain"
)

// Metrics holds the guard's Prometheus collectors on a private registry.
type Metrics struct {
	admissionsTotal   *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	budgetUtilization *prometheus.GaugeVec
	serviceHealth     *prometheus.GaugeVec
	runtime           *prometheus.GaugeVec
	configReloads     *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

// NewMetrics creates the collectors on a private registry alongside the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		admissionsTotal: counterVec("guard_admissions_total",
			"Admission decisions by identifier type, scope and outcome", "identifier_type", "scope", "decision"),
		breakerState: gaugeVec("guard_breaker_state",
			"Circuit breaker state (0=closed, 1=half_open, 2=open)", "service", "provider"),
		budgetUtilization: gaugeVec("guard_budget_utilization_ratio",
			"Current period usage divided by the budget limit", "budget", "service"),
		serviceHealth: gaugeVec("guard_service_health",
			"Service health classification (0=healthy, 1=warning, 2=critical, -1=unknown)", "service"),
		runtime: gaugeVec("guard_runtime",
			"Internal gauges and counters sampled by the supervisor", "component", "stat"),
		configReloads: counterVec("guard_config_reloads_total",
			"Policy reload attempts by status", "status"),
		httpRequestsTotal: counterVec("guard_http_requests_total",
			"Admin API requests by route and status", "method", "route", "status_code"),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_http_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissionsTotal, m.breakerState, m.budgetUtilization, m.serviceHealth,
		m.runtime, m.configReloads, m.httpRequestsTotal, m.httpRequestDuration,
	)
	return m
}

// RecordAdmission counts an admission decision.
func (m *Metrics) RecordAdmission(d domain.RateLimitDecision, t domain.IdentifierType, scope string) {
	decision := "allowed"
	if !d.Allowed {
		decision = "denied"
	}
	m.admissionsTotal.WithLabelValues(string(t), scope, decision).Inc()
}

// SetBreakerState publishes the current state of one breaker.
func (m *Metrics) SetBreakerState(service, provider string, state domain.BreakerState) {
	var v float64
	switch state {
	case domain.BreakerHalfOpen:
		v = 1
	case domain.BreakerOpen:
		v = 2
	}
	m.breakerState.WithLabelValues(service, provider).Set(v)
}

// SetBudgetUtilization publishes a budget's usage ratio.
func (m *Metrics) SetBudgetUtilization(budget, service string, ratio float64) {
	m.budgetUtilization.WithLabelValues(budget, service).Set(ratio)
}

// SetServiceHealth publishes a service classification.
func (m *Metrics) SetServiceHealth(service string, status domain.HealthStatus) {
	v := -1.0
	switch status {
	case domain.HealthHealthy:
		v = 0
	case domain.HealthWarning:
		v = 1
	case domain.HealthCritical:
		v = 2
	}
	m.serviceHealth.WithLabelValues(service).Set(v)
}

// SetRuntime publishes one internal statistic, such as buffered samples or
// dropped writes.
func (m *Metrics) SetRuntime(component, stat string, value float64) {
	m.runtime.WithLabelValues(component, stat).Set(value)
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest observes one admin API request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is the registry served by Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics. route maps a request to a bounded
// route label; a nil route labels every request "unknown".
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			name := "unknown"
			if route != nil {
				if n := route(r); n != "" {
					name = n
				}
			}
			m.RecordHTTPRequest(r.Method, name, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
