package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-guard/internal/gateway"
	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/pkg/config"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

const appPolicies = `
rate_limits:
  - identifier_type: api_key
    scope: search
    requests_per_window: 10
    window_duration: 1m
circuit_breakers:
  - service: search
    provider: openai
    failure_threshold: 2
    reset_timeout: 30s
budgets:
  - name: search-llm
    service: search
    period: monthly
    amount_limit: "100"
    alert_thresholds: [0.8, 1.0]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.TraceExporter = telemetry.ExporterNone
	cfg.Notify.Log = false
	cfg.Supervisor.Interval = 20 * time.Millisecond
	cfg.Storage.Async.FlushInterval = 20 * time.Millisecond
	return cfg
}

func writePolicies(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec // test server URL
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "mongo"
	_, err := New(context.Background(), cfg, Options{Logger: quietLogger()})
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Policies.File = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = New(context.Background(), cfg, Options{Logger: quietLogger()})
	assert.Error(t, err)

	cfg = testConfig(t)
	dir := t.TempDir()
	cfg.Server.TLS.CertFile = filepath.Join(dir, "admin.crt")
	cfg.Server.TLS.KeyFile = filepath.Join(dir, "admin.key")
	_, err = New(context.Background(), cfg, Options{Logger: quietLogger()})
	assert.ErrorContains(t, err, "admin tls")
}

func TestAppRunsAndRestoresState(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policies.yaml")
	writePolicies(t, policyPath, appPolicies)

	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = filepath.Join(dir, "guard.db")
	cfg.Policies.File = policyPath
	cfg.Policies.Debounce = 20 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, Options{Logger: quietLogger(), Listener: ln})
	require.NoError(t, err)

	require.Len(t, a.Limiter().Policies(), 1)
	b, ok := a.Budgets().Budget("search-llm")
	require.True(t, ok)
	assert.True(t, b.Active)
	assert.Equal(t, 2, a.Breakers().State("search", "openai").FailureThreshold)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		code, _ := httpGet(t, base+"/healthz")
		return code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	code, body := httpGet(t, base+"/v1/budgets")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "search-llm")

	err = a.Gateway().Call(ctx, gateway.CallSpec{
		Service:  "search",
		Provider: "openai",
		CostType: "llm",
		Cost:     decimal.NewFromInt(5),
	}, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, a.Budgets().Usage("search", domain.PeriodMonthly, time.Now()).Equal(decimal.NewFromInt(5)))

	// Dropping the budget from the file deactivates it without touching usage.
	writePolicies(t, policyPath, `
rate_limits:
  - {identifier_type: api_key, scope: search, requests_per_window: 20, window_duration: 1m}
`)
	require.Eventually(t, func() bool {
		b, ok := a.Budgets().Budget("search-llm")
		return ok && !b.Active
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 20, a.Limiter().Policies()[0].RequestsPerWindow)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	require.NoError(t, a.Close(context.Background()))

	// A fresh process on the same database sees the persisted usage.
	cfg.Policies.File = ""
	restored, err := New(context.Background(), cfg, Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer restored.Close(context.Background())

	assert.True(t, restored.Budgets().Usage("search", domain.PeriodMonthly, time.Now()).Equal(decimal.NewFromInt(5)))
	b, ok = restored.Budgets().Budget("search-llm")
	require.True(t, ok)
	assert.False(t, b.Active)
}

func TestApplySnapshotPreservesBuckets(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer a.Close(context.Background())
	ctx := context.Background()

	policy := domain.RateLimitPolicy{
		IdentifierType:    domain.IdentifierUser,
		Scope:             "export",
		RequestsPerWindow: 5,
		WindowDuration:    time.Hour,
	}
	budgetA := domain.CostBudget{Name: "a", Service: "export", Period: domain.PeriodDaily, AmountLimit: decimal.NewFromInt(10), AlertThresholds: []float64{1}, Active: true}
	budgetB := domain.CostBudget{Name: "b", Service: "export", Period: domain.PeriodDaily, AmountLimit: decimal.NewFromInt(10), AlertThresholds: []float64{1}, Active: true}

	require.NoError(t, a.ApplySnapshot(ctx, config.Snapshot{
		Generation: 1,
		RateLimits: []domain.RateLimitPolicy{policy},
		Budgets:    []domain.CostBudget{budgetA, budgetB},
	}))

	req := governance.AdmissionRequest{IdentifierType: domain.IdentifierUser, Identifier: "u1", Scope: "export"}
	for i := 0; i < 3; i++ {
		require.True(t, a.Limiter().Allow(ctx, req).Allowed)
	}

	policy.BurstAllowance = 5
	require.NoError(t, a.ApplySnapshot(ctx, config.Snapshot{
		Generation: 2,
		RateLimits: []domain.RateLimitPolicy{policy},
		Budgets:    []domain.CostBudget{budgetA},
	}))

	state, ok := a.Limiter().Bucket(req)
	require.True(t, ok)
	assert.InDelta(t, 2.0, state.Tokens, 0.01)

	got, ok := a.Budgets().Budget("a")
	require.True(t, ok)
	assert.True(t, got.Active)
	assert.Equal(t, 2, got.Version)

	got, ok = a.Budgets().Budget("b")
	require.True(t, ok)
	assert.False(t, got.Active)

	bad := policy
	bad.RequestsPerWindow = 0
	assert.ErrorIs(t, a.ApplySnapshot(ctx, config.Snapshot{Generation: 3, RateLimits: []domain.RateLimitPolicy{bad}}), domain.ErrConfigInvalid)
	assert.Equal(t, 5, a.Limiter().Policies()[0].BurstAllowance)
}
