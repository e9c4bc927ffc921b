package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-guard/pkg/domain"
)

func collectMetrics(t *testing.T) (*sdkmetric.ManualReader, func() map[string]metricdata.Metrics) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		resetInstruments()
	})
	resetInstruments()

	return reader, func() map[string]metricdata.Metrics {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		out := map[string]metricdata.Metrics{}
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				out[m.Name] = m
			}
		}
		return out
	}
}

func TestRecordDecisionAndCall(t *testing.T) {
	_, collect := collectMetrics(t)
	ctx := context.Background()

	RecordDecision(ctx, DecisionMetrics{IdentifierType: domain.IdentifierAPIKey, Scope: "api_calls", Allowed: true})
	RecordDecision(ctx, DecisionMetrics{IdentifierType: domain.IdentifierAPIKey, Scope: "api_calls", Allowed: false, Reason: "rate_limit_exceeded"})
	RecordCall(ctx, CallMetrics{Service: "search", Provider: "openai", Outcome: "success", Duration: 150 * time.Millisecond})

	metrics := collect()

	decisions, ok := metrics["guard.admission.decisions_total"]
	require.True(t, ok, "missing decisions metric")
	sum, ok := decisions.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	var denied int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("decision")); ok && v.AsString() == "denied" {
			denied += dp.Value
		}
	}
	assert.Equal(t, int64(1), denied)

	hist, ok := metrics["guard.provider.call_duration_ms"]
	require.True(t, ok)
	histData := hist.Data.(metricdata.Histogram[float64])
	require.Len(t, histData.DataPoints, 1)
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count)
	assert.InDelta(t, 150, histData.DataPoints[0].Sum, 1e-9)
}

func TestRecordLifecycleCounters(t *testing.T) {
	_, collect := collectMetrics(t)
	ctx := context.Background()

	RecordBreakerTransition(ctx, domain.BreakerTransition{Service: "s", Provider: "p", From: domain.BreakerClosed, To: domain.BreakerOpen})
	RecordAlert(ctx, domain.CostAlert{BudgetName: "llm", Threshold: 1.0})
	RecordIncident(ctx, domain.EventDeclared, domain.Incident{Severity: domain.SeverityMajor, Source: domain.SourceGoldenSignal})

	metrics := collect()
	for _, name := range []string{"guard.breaker.transitions_total", "guard.budget.alerts_total", "guard.incidents_total"} {
		m, ok := metrics[name]
		require.True(t, ok, "missing %s", name)
		data := m.Data.(metricdata.Sum[int64])
		require.Len(t, data.DataPoints, 1)
		assert.Equal(t, int64(1), data.DataPoints[0].Value)
	}

	alert := metrics["guard.budget.alerts_total"].Data.(metricdata.Sum[int64]).DataPoints[0]
	v, ok := alert.Attributes.Value(attribute.Key("critical"))
	require.True(t, ok)
	assert.True(t, v.AsBool())
}

func TestRecordAdmissionSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "admit")
	RecordAdmission(span, domain.RateLimitDecision{Allowed: false, RetryAfter: 2 * time.Second, Reason: "rate_limit_exceeded"})
	span.End()

	_, span = tracer.Start(context.Background(), "call")
	RecordShortCircuit(span, &domain.ProviderUnavailableError{Service: "s", Provider: "p", NextAttemptAt: time.Unix(100, 0)})
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	attrs := attribute.NewSet(spans[0].Attributes()...)
	v, ok := attrs.Value(attribute.Key("guard.admission.allowed"))
	require.True(t, ok)
	assert.False(t, v.AsBool())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "guard.admission.rejected", spans[0].Events()[0].Name)

	require.Len(t, spans[1].Events(), 1)
	assert.Equal(t, "guard.breaker.short_circuit", spans[1].Events()[0].Name)

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestPrometheusMetrics(t *testing.T) {
	m := NewMetrics()

	m.RecordAdmission(domain.RateLimitDecision{Allowed: false}, domain.IdentifierIP, "api_calls")
	m.SetBreakerState("search", "openai", domain.BreakerOpen)
	m.SetServiceHealth("search", domain.HealthWarning)
	m.SetRuntime("collector", "dropped", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionsTotal.WithLabelValues("ip", "api_calls", "denied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("search", "openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceHealth.WithLabelValues("search")))

	handler := m.Middleware(func(*http.Request) string { return "/v1/health" })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/v1/health", "418")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `guard_runtime{component="collector",stat="dropped"} 3`))
}

func TestSetupProviderNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{TraceExporter: ExporterNone, MetricExporter: ExporterNone}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = SetupProvider(context.Background(), Config{TraceExporter: "zipkin"}, nil)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestSetupProviderPrometheusBridge(t *testing.T) {
	prevMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		resetInstruments()
	})

	m := NewMetrics()
	shutdown, err := SetupProvider(context.Background(), Config{MetricExporter: ExporterPrometheus}, m.Registry())
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	resetInstruments()
	RecordDecision(context.Background(), DecisionMetrics{IdentifierType: domain.IdentifierIP, Scope: "api_calls", Allowed: true})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "guard_admission_decisions") {
			found = true
		}
	}
	assert.True(t, found, "otel instruments are exported through the private registry")
}

func TestMaskIdentifier(t *testing.T) {
	assert.Equal(t, "***", MaskIdentifier("short"))
	assert.Equal(t, "sk-l***7890", MaskIdentifier("sk-live-1234567890"))
}
