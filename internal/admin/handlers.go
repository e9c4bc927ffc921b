package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-guard/internal/gateway"
	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/storage"
)

// HeaderActor names the operator on override requests.
const HeaderActor = "X-Actor"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch domain.ErrorCode(err) {
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	case "PROVIDER_UNAVAILABLE":
		return http.StatusServiceUnavailable
	case "CONFIG_INVALID":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "CONFLICT":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "Admin request failed", "path", r.URL.Path, "error", err)
	}
	gateway.WriteError(r.Context(), w, status, err, 0)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	gateway.WriteError(r.Context(), w, status, &domain.DomainError{Code: code, Message: message, Err: errors.New(message)}, 0)
}

func actor(r *http.Request) string {
	if a := r.Header.Get(HeaderActor); a != "" {
		return a
	}
	return "admin"
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Rate limits

func (s *Server) configureRateLimit(w http.ResponseWriter, r *http.Request) {
	var req RateLimitRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy := req.Policy()
	if err := s.cfg.Limiter.Configure(policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":  policy,
		"version": s.cfg.Limiter.Version(),
	})
}

func (s *Server) listRateLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": s.cfg.Limiter.Policies(),
		"version":  s.cfg.Limiter.Version(),
	})
}

func (s *Server) rateLimitStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Limiter.Stats())
}

func (s *Server) testRateLimit(w http.ResponseWriter, r *http.Request) {
	var req RateLimitTestRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res := s.cfg.Limiter.Test(governance.AdmissionRequest{
		IdentifierType: domain.IdentifierType(req.IdentifierType),
		Identifier:     req.Identifier,
		Scope:          req.Scope,
	}, req.Requests)
	writeJSON(w, http.StatusOK, RateLimitTestResponse{
		Allowed:         res.Allowed,
		AllowedCount:    res.AllowedCount,
		DeniedCount:     res.DeniedCount,
		TokensRemaining: res.TokensRemaining,
		ResetTime:       res.ResetTime,
		RetryAfter:      res.RetryAfter.Seconds(),
	})
}

// Breakers

func (s *Server) configureBreaker(w http.ResponseWriter, r *http.Request) {
	var req BreakerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy := req.Policy()
	if err := s.cfg.Breakers.Configure(policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.cfg.Breakers.Snapshot()})
}

func (s *Server) getBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Breakers.State(chi.URLParam(r, "service"), chi.URLParam(r, "provider")))
}

func (s *Server) overrideBreaker(w http.ResponseWriter, r *http.Request) {
	service, provider := chi.URLParam(r, "service"), chi.URLParam(r, "provider")
	var state domain.CircuitBreakerState
	switch chi.URLParam(r, "action") {
	case "force-open":
		state = s.cfg.Breakers.ForceOpen(service, provider, actor(r))
	case "force-close":
		state = s.cfg.Breakers.ForceClose(service, provider, actor(r))
	case "clear":
		state = s.cfg.Breakers.ClearOverride(service, provider, actor(r))
	default:
		s.writeError(w, r, domain.NewConfigError("action", "must be force-open, force-close or clear"))
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetBreakerState(service, provider, state.State)
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) acquireBreaker(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Gateway.Acquire(r.Context(), chi.URLParam(r, "service"), chi.URLParam(r, "provider"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BreakerTicket{
		Service:    t.Service,
		Provider:   t.Provider,
		Trial:      t.Trial,
		Generation: t.Generation,
	})
}

func (s *Server) recordBreakerResult(w http.ResponseWriter, r *http.Request) {
	var req BreakerResultRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	service, provider := chi.URLParam(r, "service"), chi.URLParam(r, "provider")
	s.cfg.Gateway.Complete(r.Context(), governance.Ticket{
		Service:    service,
		Provider:   provider,
		Trial:      req.Trial,
		Generation: req.Generation,
	}, *req.Success, time.Duration(req.LatencyMs*float64(time.Millisecond)))

	state := s.cfg.Breakers.State(service, provider)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetBreakerState(service, provider, state.State)
	}
	writeJSON(w, http.StatusOK, state)
}

// Admission

func (s *Server) admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.cfg.Gateway.Admit(r.Context(), gateway.Admission{
		AdmissionRequest: governance.AdmissionRequest{
			IdentifierType: domain.IdentifierType(req.IdentifierType),
			Identifier:     req.Identifier,
			Scope:          req.Scope,
		},
		Service: req.Service,
	})
	if err != nil {
		gateway.WriteRejection(r.Context(), w, d, err)
		return
	}
	writeJSON(w, http.StatusOK, AdmitResponse{
		Allowed:         d.Allowed,
		Key:             d.Key,
		TokensRemaining: d.TokensRemaining,
		Limit:           d.Limit,
		ResetTime:       d.ResetAt,
	})
}

// Budgets

func (s *Server) configureBudget(w http.ResponseWriter, r *http.Request) {
	var req BudgetRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.cfg.Budgets.Configure(r.Context(), req.Budget())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) deactivateBudget(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Budgets.Deactivate(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getBudgetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Budgets.Status(s.now()))
}

func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, _ := decimal.NewFromString(req.Amount)
	err := s.cfg.Budgets.RecordEvent(r.Context(), domain.CostUsageEvent{
		Service:   req.Service,
		CostType:  req.CostType,
		Amount:    amount,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Incidents

func (s *Server) declareIncident(w http.ResponseWriter, r *http.Request) {
	var req DeclareRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inc, err := s.cfg.Incidents.Declare(r.Context(), domain.DeclareRequest{
		Title:           req.Title,
		Description:     req.Description,
		Severity:        domain.Severity(req.Severity),
		AffectedService: req.AffectedService,
		Source:          domain.SourceManual,
		Context:         req.Context,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DeclareResponse{IncidentID: inc.ID, Incident: inc})
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	var out []domain.Incident
	switch r.URL.Query().Get("status") {
	case "", "all":
		out = s.cfg.Incidents.List()
	case "active":
		out = s.cfg.Incidents.Active()
	default:
		want := domain.IncidentStatus(r.URL.Query().Get("status"))
		for _, inc := range s.cfg.Incidents.List() {
			if inc.Status == want {
				out = append(out, inc)
			}
		}
	}
	if out == nil {
		out = []domain.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": out})
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := s.cfg.Incidents.Get(id)
	if err != nil && s.cfg.Store != nil && errors.Is(err, domain.ErrIncidentNotFound) {
		// Pruned from memory; the store keeps history.
		if stored, serr := s.cfg.Store.Incident(r.Context(), id); serr == nil {
			inc, err = stored, nil
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) escalateIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.cfg.Incidents.Escalate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	inc, err := s.cfg.Incidents.Resolve(r.Context(), chi.URLParam(r, "id"), req.ResolutionNotes, req.RootCause)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// Health and signals

func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	overview := HealthOverview{
		Status:          domain.HealthHealthy,
		GoldenSignals:   s.cfg.Aggregator.Overview(s.cfg.Thresholds),
		CircuitBreakers: s.cfg.Breakers.Snapshot(),
		ActiveIncidents: s.cfg.Incidents.Active(),
		GeneratedAt:     s.now().UTC(),
	}
	for _, h := range overview.GoldenSignals {
		overview.Status = worse(overview.Status, h.Status)
	}
	for _, b := range overview.CircuitBreakers {
		if b.State == domain.BreakerOpen {
			overview.Status = worse(overview.Status, domain.HealthWarning)
		}
	}
	if overview.ActiveIncidents == nil {
		overview.ActiveIncidents = []domain.Incident{}
	}
	writeJSON(w, http.StatusOK, overview)
}

var healthRank = map[domain.HealthStatus]int{
	domain.HealthHealthy:  0,
	domain.HealthUnknown:  1,
	domain.HealthWarning:  2,
	domain.HealthCritical: 3,
}

func worse(a, b domain.HealthStatus) domain.HealthStatus {
	if healthRank[b] > healthRank[a] {
		return b
	}
	return a
}

func (s *Server) recordSignals(w http.ResponseWriter, r *http.Request) {
	var req SignalBatchRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The batch is all or nothing.
	samples := make([]domain.GoldenSignalSample, len(req.Samples))
	for i, sample := range req.Samples {
		samples[i] = domain.GoldenSignalSample{
			Service:    sample.Service,
			MetricType: domain.MetricType(sample.MetricType),
			Value:      sample.Value,
			Timestamp:  sample.Timestamp,
		}
		if err := samples[i].Validate(); err != nil {
			var ce *domain.ConfigError
			if errors.As(err, &ce) {
				err = domain.NewConfigError(fmt.Sprintf("samples[%d].%s", i, ce.Field), "%s", ce.Reason)
			}
			s.writeError(w, r, err)
			return
		}
	}
	for _, sample := range samples {
		if err := s.cfg.Collector.RecordSample(sample); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Samples)})
}

func (s *Server) getSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	service := chi.URLParam(r, "service")

	metric := domain.MetricType(q.Get("metric"))
	if metric == "" {
		metric = domain.MetricLatency
	}
	if !metric.Valid() {
		s.writeError(w, r, domain.NewConfigError("metric", "unknown metric type %q", metric))
		return
	}
	gran := domain.Granularity1m
	if v := q.Get("granularity"); v != "" {
		g, err := domain.ParseGranularity(v)
		if err != nil {
			s.writeError(w, r, domain.NewConfigError("granularity", "%v", err))
			return
		}
		gran = g
	}

	to := s.now().UTC()
	from := to.Add(-time.Hour)
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, domain.NewConfigError("from", "must be RFC3339"))
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			s.writeError(w, r, domain.NewConfigError("to", "must be RFC3339"))
			return
		}
	}

	var windows []domain.GoldenSignalWindow
	if q.Get("source") == "store" && s.cfg.Store != nil {
		limit, _ := strconv.Atoi(q.Get("limit"))
		windows, err = s.cfg.Store.Windows(r.Context(), storage.WindowQuery{
			Service:     service,
			MetricType:  metric,
			Granularity: gran,
			From:        from,
			To:          to,
			Limit:       limit,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		windows = s.cfg.Aggregator.Windows(service, metric, gran, from, to)
	}
	if windows == nil {
		windows = []domain.GoldenSignalWindow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     service,
		"metric_type": metric,
		"granularity": gran,
		"windows":     windows,
	})
}

// Policies

func (s *Server) reloadPolicies(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Policies == nil {
		s.writeStatus(w, r, http.StatusNotFound, "NOT_FOUND", "no policy file configured")
		return
	}
	snap, err := s.cfg.Policies.Reload()
	if err != nil {
		gateway.WriteError(r.Context(), w, http.StatusBadRequest, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation":       snap.Generation,
		"source":           snap.Source,
		"rate_limits":      len(snap.RateLimits),
		"circuit_breakers": len(snap.CircuitBreakers),
		"budgets":          len(snap.Budgets),
	})
}
