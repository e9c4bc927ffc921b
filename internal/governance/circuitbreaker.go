package governance

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

// wildcardProvider matches every provider of a service in breaker policies.
const wildcardProvider = "*"

// CircuitBreakerRegistryConfig defines registry-wide settings.
type CircuitBreakerRegistryConfig struct {
	// Default applies to (service, provider) pairs without a configured policy.
	Default  domain.CircuitBreakerConfig
	Registry RegistryConfig
	Now      func() time.Time
}

// DefaultCircuitBreakerRegistryConfig returns sensible defaults.
func DefaultCircuitBreakerRegistryConfig() CircuitBreakerRegistryConfig {
	return CircuitBreakerRegistryConfig{
		Default:  domain.DefaultCircuitBreakerConfig(),
		Registry: DefaultRegistryConfig(),
	}
}

// Ticket is handed out by Acquire and passed back to RecordResult. Trial is
// set when the call occupies a half-open trial slot. Generation is the
// breaker generation the call was admitted in; results from an older
// generation are ignored.
type Ticket struct {
	Service    string
	Provider   string
	Trial      bool
	Generation uint64
}

// CircuitBreakerRegistry tracks one breaker per (service, provider) pair.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	configs  map[string]domain.CircuitBreakerConfig
	fallback domain.CircuitBreakerConfig
	version  uint64

	breakers *shardedRegistry[*breakerEntry]
	idleTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	faults       atomic.Uint64
	onTransition func(domain.BreakerTransition)
}

type breakerEntry struct {
	mu       sync.Mutex
	cfg      domain.CircuitBreakerConfig
	state    domain.CircuitBreakerState
	lastSeen time.Time
}

// NewCircuitBreakerRegistry creates a registry with the provided configuration.
func NewCircuitBreakerRegistry(cfg CircuitBreakerRegistryConfig, logger *slog.Logger) (*CircuitBreakerRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	fallback := cfg.Default.WithDefaults()
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default circuit breaker config: %w", err)
	}

	regCfg := cfg.Registry.withDefaults()
	return &CircuitBreakerRegistry{
		configs:  make(map[string]domain.CircuitBreakerConfig),
		fallback: fallback,
		breakers: newShardedRegistry[*breakerEntry](regCfg),
		idleTTL:  regCfg.IdleTTL,
		now:      cfg.Now,
		logger:   logger,
	}, nil
}

// OnTransition registers a callback invoked after every state change, outside
// of any breaker lock. It must be set before the registry is shared.
func (r *CircuitBreakerRegistry) OnTransition(fn func(domain.BreakerTransition)) {
	r.onTransition = fn
}

// Configure adds or replaces the policy of one pair. A live breaker keeps its
// state and counters; new thresholds apply to the next event.
func (r *CircuitBreakerRegistry) Configure(policy domain.CircuitBreakerPolicy) error {
	policy.CircuitBreakerConfig = policy.CircuitBreakerConfig.WithDefaults()
	if err := policy.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.configs[domain.BreakerKey(policy.Service, policy.Provider)] = policy.CircuitBreakerConfig
	r.version++
	r.mu.Unlock()

	r.reconfigureLive()
	r.logger.Info("Circuit breaker configured",
		"service", policy.Service,
		"provider", policy.Provider,
		"failure_threshold", policy.FailureThreshold,
		"reset_timeout", policy.ResetTimeout.String(),
		"half_open_max_concurrent", policy.HalfOpenMaxConcurrent)
	return nil
}

// ApplyPolicies replaces the full policy set. The set is validated as a whole.
func (r *CircuitBreakerRegistry) ApplyPolicies(policies []domain.CircuitBreakerPolicy) (uint64, error) {
	next := make(map[string]domain.CircuitBreakerConfig, len(policies))
	for i, p := range policies {
		p.CircuitBreakerConfig = p.CircuitBreakerConfig.WithDefaults()
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("circuit breaker policy %d (%s): %w", i, domain.BreakerKey(p.Service, p.Provider), err)
		}
		next[domain.BreakerKey(p.Service, p.Provider)] = p.CircuitBreakerConfig
	}

	r.mu.Lock()
	r.configs = next
	r.version++
	version := r.version
	r.mu.Unlock()

	r.reconfigureLive()
	r.logger.Info("Circuit breaker policies applied", "count", len(next), "version", version)
	return version, nil
}

func (r *CircuitBreakerRegistry) reconfigureLive() {
	r.breakers.each(func(_ string, e *breakerEntry) {
		cfg := r.resolve(e.state.Service, e.state.Provider)
		e.mu.Lock()
		e.cfg = cfg
		e.state.FailureThreshold = cfg.FailureThreshold
		e.state.ResetTimeout = cfg.ResetTimeout
		e.mu.Unlock()
	})
}

func (r *CircuitBreakerRegistry) resolve(service, provider string) domain.CircuitBreakerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.configs[domain.BreakerKey(service, provider)]; ok {
		return cfg
	}
	if cfg, ok := r.configs[domain.BreakerKey(service, wildcardProvider)]; ok {
		return cfg
	}
	return r.fallback
}

func (r *CircuitBreakerRegistry) entry(service, provider string) *breakerEntry {
	return r.breakers.getOrCreate(domain.BreakerKey(service, provider), func() *breakerEntry {
		cfg := r.resolve(service, provider)
		return &breakerEntry{
			cfg: cfg,
			state: domain.CircuitBreakerState{
				Service:          service,
				Provider:         provider,
				State:            domain.BreakerClosed,
				FailureThreshold: cfg.FailureThreshold,
				ResetTimeout:     cfg.ResetTimeout,
			},
			lastSeen: r.now(),
		}
	})
}

// IsAvailable reports whether a call would currently be admitted, without
// reserving a trial slot.
func (r *CircuitBreakerRegistry) IsAvailable(service, provider string) (available bool) {
	defer func() {
		if rec := recover(); rec != nil {
			available = r.failAvailable(service, provider, rec)
		}
	}()

	res, _ := r.step(service, provider, eventPeek)
	return res.admitted
}

// Acquire admits a call or returns a *domain.ProviderUnavailableError. While
// half-open at most HalfOpenMaxConcurrent trial calls hold a ticket.
func (r *CircuitBreakerRegistry) Acquire(service, provider string) (ticket Ticket, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failAvailable(service, provider, rec)
			ticket, err = Ticket{Service: service, Provider: provider}, nil
		}
	}()

	res, forced := r.step(service, provider, eventAcquire)
	if !res.admitted {
		r.logger.Info("Circuit breaker rejected call",
			"key", domain.BreakerKey(service, provider),
			"decision", "deny",
			"reason", rejectReason(res.state, forced),
			"next_attempt_at", res.state.NextAttemptAt)
		return Ticket{}, &domain.ProviderUnavailableError{
			Service:       service,
			Provider:      provider,
			NextAttemptAt: res.state.NextAttemptAt,
			Forced:        forced,
		}
	}
	return Ticket{
		Service:    service,
		Provider:   provider,
		Trial:      res.state.State == domain.BreakerHalfOpen,
		Generation: res.state.Generation,
	}, nil
}

func rejectReason(s domain.CircuitBreakerState, forced bool) string {
	switch {
	case forced:
		return "forced_open"
	case s.State == domain.BreakerHalfOpen:
		return "half_open_trials_exhausted"
	default:
		return "circuit_open"
	}
}

// RecordResult reports the outcome of a call admitted by Acquire. A result
// whose ticket belongs to an earlier generation, or that was not a trial
// while the breaker is half-open, does not move the state machine.
func (r *CircuitBreakerRegistry) RecordResult(t Ticket, success bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failAvailable(t.Service, t.Provider, rec)
		}
	}()

	ev := eventSuccess
	if !success {
		ev = eventFailure
	}
	e := r.entry(t.Service, t.Provider)
	res, _ := e.applyResult(t, ev, r.now())
	if res.transition != nil {
		r.emit(*res.transition)
	}
}

// step applies one event under the entry lock. Overrides short-circuit the
// automatic state machine.
func (r *CircuitBreakerRegistry) step(service, provider string, ev breakerEvent) (stepResult, bool) {
	e := r.entry(service, provider)
	res, forced := e.apply(ev, r.now())
	if res.transition != nil {
		r.emit(*res.transition)
	}
	return res, forced
}

func (e *breakerEntry) apply(ev breakerEvent, now time.Time) (stepResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(ev, now)
}

func (e *breakerEntry) applyResult(t Ticket, ev breakerEvent, now time.Time) (stepResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.Generation != e.state.Generation || t.Trial != (e.state.State == domain.BreakerHalfOpen) {
		e.lastSeen = now
		return stepResult{state: e.state}, false
	}
	return e.applyLocked(ev, now)
}

func (e *breakerEntry) applyLocked(ev breakerEvent, now time.Time) (stepResult, bool) {
	e.lastSeen = now
	switch e.state.Override {
	case domain.OverrideForceOpen:
		return stepResult{state: e.state}, true
	case domain.OverrideForceClosed:
		return stepResult{state: e.state, admitted: ev == eventPeek || ev == eventAcquire}, false
	}

	res := next(e.state, ev, now, e.cfg)
	e.state = res.state
	return res, false
}

func (r *CircuitBreakerRegistry) emit(t domain.BreakerTransition) {
	r.logger.Info("Circuit breaker transition",
		"key", domain.BreakerKey(t.Service, t.Provider),
		"from", string(t.From),
		"to", string(t.To),
		"reason", t.Reason)
	if r.onTransition != nil {
		r.onTransition(t)
	}
}

func (r *CircuitBreakerRegistry) failAvailable(service, provider string, cause any) bool {
	r.faults.Add(1)
	r.breakers.remove(domain.BreakerKey(service, provider))
	r.logger.Error("Circuit breaker fault, treating provider as available",
		"key", domain.BreakerKey(service, provider),
		"decision", "allow",
		"reason", "internal_fault",
		"fault", cause)
	return true
}

// Faults returns the number of internal faults that were treated as available.
func (r *CircuitBreakerRegistry) Faults() uint64 {
	return r.faults.Load()
}

// ForceOpen rejects every call to the pair until ClearOverride.
func (r *CircuitBreakerRegistry) ForceOpen(service, provider, actor string) domain.CircuitBreakerState {
	return r.override(service, provider, domain.OverrideForceOpen, actor)
}

// ForceClose admits every call to the pair until ClearOverride.
func (r *CircuitBreakerRegistry) ForceClose(service, provider, actor string) domain.CircuitBreakerState {
	return r.override(service, provider, domain.OverrideForceClosed, actor)
}

// ClearOverride hands the pair back to the automatic state machine, starting
// from the state the override left it in.
func (r *CircuitBreakerRegistry) ClearOverride(service, provider, actor string) domain.CircuitBreakerState {
	return r.override(service, provider, domain.OverrideNone, actor)
}

func (r *CircuitBreakerRegistry) override(service, provider string, o domain.BreakerOverride, actor string) domain.CircuitBreakerState {
	e := r.entry(service, provider)
	now := r.now()

	e.mu.Lock()
	from := e.state.State
	switch o {
	case domain.OverrideForceOpen:
		e.state = enterOpen(e.state, now, e.cfg)
	case domain.OverrideForceClosed:
		e.state = enterClosed(e.state)
	}
	e.state.Override = o
	e.state.Generation++
	if e.state.State != from {
		e.state.LastTransitionAt = now
	}
	e.lastSeen = now
	s := e.state
	e.mu.Unlock()

	decision := string(o)
	if o == domain.OverrideNone {
		decision = "clear"
	}
	r.logger.Warn("Circuit breaker override",
		"key", domain.BreakerKey(service, provider),
		"decision", decision,
		"reason", "operator",
		"actor", actor)

	if s.State != from {
		r.emit(domain.BreakerTransition{
			Service: service, Provider: provider,
			From: from, To: s.State, At: now,
			Reason: "override_" + decision,
		})
	}
	return s
}

// State returns the state of one pair, after applying any due open to
// half-open transition.
func (r *CircuitBreakerRegistry) State(service, provider string) domain.CircuitBreakerState {
	res, _ := r.step(service, provider, eventPeek)
	return res.state
}

// Snapshot returns the state of every live breaker ordered by key.
func (r *CircuitBreakerRegistry) Snapshot() []domain.CircuitBreakerState {
	var out []domain.CircuitBreakerState
	r.breakers.each(func(_ string, e *breakerEntry) {
		e.mu.Lock()
		out = append(out, e.state)
		e.mu.Unlock()
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// ResetAll returns every breaker to closed and clears overrides.
func (r *CircuitBreakerRegistry) ResetAll() {
	now := r.now()
	var transitions []domain.BreakerTransition
	r.breakers.each(func(_ string, e *breakerEntry) {
		e.mu.Lock()
		from := e.state.State
		e.state = enterClosed(e.state)
		e.state.Override = domain.OverrideNone
		e.state.Generation++
		if from != domain.BreakerClosed {
			e.state.LastTransitionAt = now
			transitions = append(transitions, domain.BreakerTransition{
				Service: e.state.Service, Provider: e.state.Provider,
				From: from, To: domain.BreakerClosed, At: now, Reason: "reset",
			})
		}
		e.mu.Unlock()
	})
	for _, t := range transitions {
		r.emit(t)
	}
}

// Sweep evicts closed breakers without failures, overrides or recent traffic.
func (r *CircuitBreakerRegistry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	now := r.now()
	return r.breakers.sweep(func(e *breakerEntry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.state.State == domain.BreakerClosed &&
			e.state.FailureCount == 0 &&
			e.state.Override == domain.OverrideNone &&
			now.Sub(e.lastSeen) >= r.idleTTL
	})
}

// Len returns the number of live breakers.
func (r *CircuitBreakerRegistry) Len() int {
	return r.breakers.len()
}

type breakerEvent uint8

const (
	// eventPeek asks whether a call would be admitted without reserving.
	eventPeek breakerEvent = iota
	// eventAcquire admits a call, reserving a trial slot while half-open.
	eventAcquire
	eventSuccess
	eventFailure
)

type stepResult struct {
	state      domain.CircuitBreakerState
	admitted   bool
	transition *domain.BreakerTransition
}

// next is the breaker state machine. It is a pure function of the current
// state, the event, the clock and the thresholds.
func next(s domain.CircuitBreakerState, ev breakerEvent, now time.Time, cfg domain.CircuitBreakerConfig) stepResult {
	from := s.State
	reason := ""
	admitted := false

	if s.State == domain.BreakerOpen && (ev == eventPeek || ev == eventAcquire) && !now.Before(s.NextAttemptAt) {
		s = enterHalfOpen(s)
		reason = "reset_timeout_elapsed"
	}

	switch s.State {
	case domain.BreakerClosed:
		switch ev {
		case eventPeek, eventAcquire:
			admitted = true
		case eventSuccess:
			s.FailureCount = 0
		case eventFailure:
			s.FailureCount++
			if s.FailureCount >= cfg.FailureThreshold {
				s = enterOpen(s, now, cfg)
				reason = "failure_threshold_reached"
			}
		}

	case domain.BreakerOpen:
		// Calls are rejected and late results from calls admitted before
		// the breaker opened are ignored.

	case domain.BreakerHalfOpen:
		// A trial that never reported back frees its slot after ResetTimeout.
		stale := s.HalfOpenInFlight >= cfg.HalfOpenMaxConcurrent &&
			!s.LastTrialAt.IsZero() && now.Sub(s.LastTrialAt) >= cfg.ResetTimeout

		switch ev {
		case eventPeek:
			admitted = s.HalfOpenInFlight < cfg.HalfOpenMaxConcurrent || stale
		case eventAcquire:
			if stale {
				// Abandoned trials can no longer report back.
				s.HalfOpenInFlight = 0
				s.Generation++
			}
			if s.HalfOpenInFlight < cfg.HalfOpenMaxConcurrent {
				s.HalfOpenInFlight++
				s.LastTrialAt = now
				admitted = true
			}
		case eventSuccess:
			if s.HalfOpenInFlight > 0 {
				s.HalfOpenInFlight--
			}
			s.HalfOpenSuccessCount++
			if s.HalfOpenSuccessCount >= cfg.HalfOpenSuccessThreshold {
				s = enterClosed(s)
				reason = "trial_successes_reached"
			}
		case eventFailure:
			s = enterOpen(s, now, cfg)
			reason = "trial_failed"
		}

	default:
		panic(fmt.Sprintf("unknown circuit breaker state %q", s.State))
	}

	if s.State != from {
		s.Generation++
	}
	res := stepResult{state: s, admitted: admitted}
	if s.State != from {
		res.state.LastTransitionAt = now
		res.transition = &domain.BreakerTransition{
			Service:  s.Service,
			Provider: s.Provider,
			From:     from,
			To:       s.State,
			At:       now,
			Reason:   reason,
		}
	}
	return res
}

func enterOpen(s domain.CircuitBreakerState, now time.Time, cfg domain.CircuitBreakerConfig) domain.CircuitBreakerState {
	s.State = domain.BreakerOpen
	s.OpenedAt = now
	s.NextAttemptAt = now.Add(cfg.ResetTimeout)
	s.HalfOpenSuccessCount = 0
	s.HalfOpenInFlight = 0
	s.LastTrialAt = time.Time{}
	return s
}

func enterHalfOpen(s domain.CircuitBreakerState) domain.CircuitBreakerState {
	s.State = domain.BreakerHalfOpen
	s.HalfOpenSuccessCount = 0
	s.HalfOpenInFlight = 0
	s.LastTrialAt = time.Time{}
	return s
}

func enterClosed(s domain.CircuitBreakerState) domain.CircuitBreakerState {
	s.State = domain.BreakerClosed
	s.FailureCount = 0
	s.HalfOpenSuccessCount = 0
	s.HalfOpenInFlight = 0
	s.OpenedAt = time.Time{}
	s.NextAttemptAt = time.Time{}
	s.LastTrialAt = time.Time{}
	return s
}
