package governance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

// RateLimiterConfig defines limiter-wide settings.
type RateLimiterConfig struct {
	// DefaultPolicy applies when no exact or per-type policy matches a request.
	// Its IdentifierType, IdentifierValue and Scope are ignored.
	DefaultPolicy domain.RateLimitPolicy
	// Registry controls bucket sharding and eviction.
	Registry RegistryConfig
	// Now overrides the clock; it must be monotonic for correct refill arithmetic.
	Now func() time.Time
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		DefaultPolicy: domain.RateLimitPolicy{
			IdentifierType:    domain.IdentifierIP,
			Scope:             domain.DefaultScope,
			RequestsPerWindow: 100,
			BurstAllowance:    0,
			WindowDuration:    time.Second,
		},
		Registry: DefaultRegistryConfig(),
	}
}

// AdmissionRequest identifies the caller of one admission check.
type AdmissionRequest struct {
	IdentifierType domain.IdentifierType
	Identifier     string
	Scope          string
	// Cost is the number of tokens the request consumes; values <= 0 count as 1.
	Cost float64
}

func (r AdmissionRequest) normalized() AdmissionRequest {
	if r.Scope == "" {
		r.Scope = domain.DefaultScope
	}
	if r.Cost <= 0 || math.IsNaN(r.Cost) {
		r.Cost = 1
	}
	return r
}

func (r AdmissionRequest) key() string {
	return domain.PolicyKey(r.IdentifierType, r.Identifier, r.Scope)
}

// RateLimiter implements token bucket admission control per
// (identifier type, identifier, scope).
type RateLimiter struct {
	mu       sync.RWMutex
	policies map[string]domain.RateLimitPolicy
	fallback domain.RateLimitPolicy
	version  uint64

	buckets *shardedRegistry[*tokenBucket]
	idleTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger

	faults     atomic.Uint64
	onDecision func(AdmissionRequest, domain.RateLimitDecision)
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) (*RateLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	fallback := cfg.DefaultPolicy
	if fallback.IdentifierType == "" {
		fallback.IdentifierType = domain.IdentifierIP
	}
	if fallback.Scope == "" {
		fallback.Scope = domain.DefaultScope
	}
	if err := fallback.Validate(); err != nil {
		return nil, fmt.Errorf("default rate limit policy: %w", err)
	}

	regCfg := cfg.Registry.withDefaults()
	return &RateLimiter{
		policies: make(map[string]domain.RateLimitPolicy),
		fallback: fallback,
		buckets:  newShardedRegistry[*tokenBucket](regCfg),
		idleTTL:  regCfg.IdleTTL,
		now:      cfg.Now,
		logger:   logger,
	}, nil
}

// OnDecision registers a callback invoked after every admission check.
// It must be set before the limiter is shared.
func (rl *RateLimiter) OnDecision(fn func(AdmissionRequest, domain.RateLimitDecision)) {
	rl.onDecision = fn
}

// Configure adds or replaces a single policy. Existing buckets keep their
// accumulated tokens; the new capacity and rate apply on their next refill.
func (rl *RateLimiter) Configure(policy domain.RateLimitPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	rl.mu.Lock()
	rl.policies[policy.Key()] = policy
	rl.version++
	version := rl.version
	rl.mu.Unlock()

	rl.logger.Info("Rate limit policy configured",
		"key", policy.Key(),
		"requests_per_window", policy.RequestsPerWindow,
		"burst_allowance", policy.BurstAllowance,
		"window", policy.WindowDuration.String(),
		"version", version)
	return nil
}

// ApplyPolicies replaces the full policy set atomically. The set is validated
// as a whole; on error nothing changes.
func (rl *RateLimiter) ApplyPolicies(policies []domain.RateLimitPolicy) (uint64, error) {
	next := make(map[string]domain.RateLimitPolicy, len(policies))
	for i, p := range policies {
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("rate limit policy %d (%s): %w", i, p.Key(), err)
		}
		next[p.Key()] = p
	}

	rl.mu.Lock()
	rl.policies = next
	rl.version++
	version := rl.version
	rl.mu.Unlock()

	rl.logger.Info("Rate limit policies applied", "count", len(next), "version", version)
	return version, nil
}

// Policies returns the configured policies.
func (rl *RateLimiter) Policies() []domain.RateLimitPolicy {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	out := make([]domain.RateLimitPolicy, 0, len(rl.policies))
	for _, p := range rl.policies {
		out = append(out, p)
	}
	return out
}

// Version returns the generation of the policy set.
func (rl *RateLimiter) Version() uint64 {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.version
}

// resolve picks the exact policy, then the per-type default, then the limiter default.
func (rl *RateLimiter) resolve(req AdmissionRequest) domain.RateLimitPolicy {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if p, ok := rl.policies[domain.PolicyKey(req.IdentifierType, req.Identifier, req.Scope)]; ok {
		return p
	}
	if p, ok := rl.policies[domain.PolicyKey(req.IdentifierType, "", req.Scope)]; ok {
		return p
	}
	return rl.fallback
}

// Allow checks whether a request should be admitted and consumes tokens when it is.
// Internal faults fail open: the request is allowed, the fault is logged and
// only the affected bucket is reset.
func (rl *RateLimiter) Allow(ctx context.Context, req AdmissionRequest) (decision domain.RateLimitDecision) {
	req = req.normalized()
	key := req.key()
	now := rl.now()

	defer func() {
		if r := recover(); r != nil {
			decision = rl.failOpen(ctx, key, now, r)
		}
		if rl.onDecision != nil {
			rl.onDecision(req, decision)
		}
	}()

	policy := rl.resolve(req)
	bucket := rl.buckets.getOrCreate(key, func() *tokenBucket {
		return newTokenBucket(policy, now)
	})

	decision = bucket.take(policy, req.Cost, now)
	decision.Key = key

	if !decision.Allowed {
		rl.logger.LogAttrs(ctx, slog.LevelInfo, "Rate limit denied",
			slog.String("key", key),
			slog.String("decision", "deny"),
			slog.String("reason", decision.Reason),
			slog.Float64("tokens_remaining", decision.TokensRemaining),
			slog.Duration("retry_after", decision.RetryAfter))
	}
	return decision
}

func (rl *RateLimiter) failOpen(ctx context.Context, key string, now time.Time, cause any) domain.RateLimitDecision {
	rl.faults.Add(1)
	rl.buckets.remove(key)
	rl.logger.LogAttrs(ctx, slog.LevelError, "Rate limiter fault, failing open",
		slog.String("key", key),
		slog.String("decision", "allow"),
		slog.String("reason", "internal_fault"),
		slog.Any("fault", cause))
	return domain.RateLimitDecision{
		Key:     key,
		Allowed: true,
		ResetAt: now,
		Reason:  "fail_open",
	}
}

// Faults returns the number of internal faults that failed open.
func (rl *RateLimiter) Faults() uint64 {
	return rl.faults.Load()
}

// TestResult reports an operator dry run.
type TestResult struct {
	Allowed         bool          `json:"allowed"`
	AllowedCount    int           `json:"allowed_count"`
	DeniedCount     int           `json:"denied_count"`
	TokensRemaining float64       `json:"tokens_remaining"`
	ResetTime       time.Time     `json:"reset_time"`
	RetryAfter      time.Duration `json:"retry_after"`
}

// Test simulates n consecutive requests against a copy of the live bucket.
// Live state is never mutated.
func (rl *RateLimiter) Test(req AdmissionRequest, n int) TestResult {
	req = req.normalized()
	if n <= 0 {
		n = 1
	}
	now := rl.now()
	policy := rl.resolve(req)

	scratch := newTokenBucket(policy, now)
	if live, ok := rl.buckets.peek(req.key()); ok && live != nil {
		scratch = live.clone()
	}

	var result TestResult
	var last domain.RateLimitDecision
	for i := 0; i < n; i++ {
		last = scratch.take(policy, req.Cost, now)
		if last.Allowed {
			result.AllowedCount++
		} else {
			result.DeniedCount++
		}
	}

	result.Allowed = last.Allowed
	result.TokensRemaining = last.TokensRemaining
	result.ResetTime = last.ResetAt
	result.RetryAfter = last.RetryAfter
	return result
}

// Bucket returns the live state of a bucket, if one exists.
func (rl *RateLimiter) Bucket(req AdmissionRequest) (domain.TokenBucketState, bool) {
	req = req.normalized()
	b, ok := rl.buckets.peek(req.key())
	if !ok || b == nil {
		return domain.TokenBucketState{}, false
	}
	state := b.state()
	state.Key = req.key()
	return state, true
}

// Stats returns current rate limit statistics for all buckets.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	stats := make(map[string]RateLimitStats)
	rl.buckets.each(func(key string, b *tokenBucket) {
		if b == nil {
			return
		}
		s := b.state()
		stats[key] = RateLimitStats{
			Capacity:       s.Capacity,
			RefillRate:     s.RefillRate,
			Available:      s.Tokens,
			LastRefillTime: s.LastRefillAt.Format(time.RFC3339),
		}
	})
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Capacity       float64 `json:"capacity"`
	RefillRate     float64 `json:"refillRate"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

// Sweep evicts buckets idle for longer than the configured TTL. A bucket idle
// that long has refilled completely, so recreating it on next reference is
// indistinguishable from keeping it.
func (rl *RateLimiter) Sweep() int {
	if rl.idleTTL <= 0 {
		return 0
	}
	now := rl.now()
	removed := rl.buckets.sweep(func(b *tokenBucket) bool {
		return b == nil || b.idleSince(now) >= rl.idleTTL
	})
	if removed > 0 {
		rl.logger.Debug("Evicted idle rate limit buckets", "count", removed)
	}
	return removed
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int {
	return rl.buckets.len()
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

// newTokenBucket creates a full token bucket for the policy.
func newTokenBucket(policy domain.RateLimitPolicy, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       policy.RefillRate(),
		capacity:   policy.Capacity(),
		tokens:     policy.Capacity(),
		lastRefill: now,
	}
}

// take refills the bucket, applies the current policy and attempts to consume cost tokens.
func (tb *tokenBucket) take(policy domain.RateLimitPolicy, cost float64, now time.Time) domain.RateLimitDecision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if math.IsNaN(tb.tokens) || math.IsInf(tb.tokens, 0) {
		panic(fmt.Sprintf("corrupt token bucket state: tokens=%v", tb.tokens))
	}

	tb.refill(now)
	tb.configure(policy)

	decision := domain.RateLimitDecision{Limit: tb.capacity}
	switch {
	case cost > tb.capacity:
		decision.Reason = "cost_exceeds_capacity"
		decision.RetryAfter = secondsToDuration((cost - tb.tokens) / tb.rate)
	case tb.tokens >= cost:
		tb.tokens -= cost
		decision.Allowed = true
	default:
		decision.Reason = "rate_limit_exceeded"
		decision.RetryAfter = secondsToDuration((cost - tb.tokens) / tb.rate)
	}

	decision.TokensRemaining = tb.tokens
	decision.ResetAt = now.Add(secondsToDuration((tb.capacity - tb.tokens) / tb.rate))
	return decision
}

// refill adds tokens to the bucket based on elapsed time. A clock that moves
// backwards adds nothing.
func (tb *tokenBucket) refill(now time.Time) {
	if !now.After(tb.lastRefill) {
		return
	}
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
	tb.lastRefill = now
}

// configure updates the bucket's rate and capacity, clamping tokens to the new capacity.
func (tb *tokenBucket) configure(policy domain.RateLimitPolicy) {
	tb.rate = policy.RefillRate()
	tb.capacity = policy.Capacity()
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) clone() *tokenBucket {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return &tokenBucket{rate: tb.rate, capacity: tb.capacity, tokens: tb.tokens, lastRefill: tb.lastRefill}
}

func (tb *tokenBucket) state() domain.TokenBucketState {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return domain.TokenBucketState{
		Tokens:       tb.tokens,
		LastRefillAt: tb.lastRefill,
		Capacity:     tb.capacity,
		RefillRate:   tb.rate,
	}
}

func (tb *tokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastRefill)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	if math.IsInf(s, 1) || s > math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
