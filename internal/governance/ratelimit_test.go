package governance

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-guard/pkg/domain"
)

func newTestLimiter(t require.TestingT, clock *fakeClock, policies ...domain.RateLimitPolicy) *RateLimiter {
	cfg := DefaultRateLimiterConfig()
	cfg.Now = clock.Now
	rl, err := NewRateLimiter(cfg, discardLogger())
	require.NoError(t, err)
	_, err = rl.ApplyPolicies(policies)
	require.NoError(t, err)
	return rl
}

func apiKeyPolicy(value string, rpw, burst int, window time.Duration) domain.RateLimitPolicy {
	return domain.RateLimitPolicy{
		IdentifierType:    domain.IdentifierAPIKey,
		IdentifierValue:   value,
		Scope:             domain.DefaultScope,
		RequestsPerWindow: rpw,
		BurstAllowance:    burst,
		WindowDuration:    window,
	}
}

func TestRateLimiterBurstThenDeny(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 10, 0, 10*time.Second))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}

	for i := 0; i < 10; i++ {
		d := rl.Allow(context.Background(), req)
		require.Truef(t, d.Allowed, "call %d should be admitted", i+1)
		assert.Zero(t, d.RetryAfter)
	}

	d := rl.Allow(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, "rate_limit_exceeded", d.Reason)
	assert.InDelta(t, time.Second.Seconds(), d.RetryAfter.Seconds(), 0.001)
	assert.Equal(t, 10.0, d.Limit)
	assert.ErrorIs(t, d.Err(), domain.ErrAdmissionRejected)

	clock.Advance(time.Second)
	assert.True(t, rl.Allow(context.Background(), req).Allowed)
	assert.False(t, rl.Allow(context.Background(), req).Allowed)
}

func TestRateLimiterScopesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	uploads := apiKeyPolicy("", 1, 0, time.Minute)
	uploads.Scope = "uploads"
	rl := newTestLimiter(t, clock, apiKeyPolicy("", 1, 0, time.Minute), uploads)

	calls := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}
	up := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1", Scope: "uploads"}

	assert.True(t, rl.Allow(context.Background(), calls).Allowed)
	assert.False(t, rl.Allow(context.Background(), calls).Allowed)
	assert.True(t, rl.Allow(context.Background(), up).Allowed)
}

func TestRateLimiterPolicyResolution(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock,
		apiKeyPolicy("", 2, 0, time.Minute),
		apiKeyPolicy("vip", 50, 0, time.Minute),
	)

	vip := rl.Allow(context.Background(), AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "vip"})
	assert.Equal(t, 50.0, vip.Limit)

	other := rl.Allow(context.Background(), AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "other"})
	assert.Equal(t, 2.0, other.Limit)

	ip := rl.Allow(context.Background(), AdmissionRequest{IdentifierType: domain.IdentifierIP, Identifier: "10.0.0.1"})
	assert.Equal(t, 100.0, ip.Limit, "limiter default applies when no policy matches")
}

func TestRateLimiterCostAboveCapacity(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 5, 0, 5*time.Second))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1", Cost: 8}

	d := rl.Allow(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, "cost_exceeds_capacity", d.Reason)
	assert.InDelta(t, 3.0, d.RetryAfter.Seconds(), 0.001)
	assert.Equal(t, 5.0, d.TokensRemaining, "denied request must not consume tokens")
}

func TestRateLimiterConfigureKeepsTokens(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 10, 0, 10*time.Second))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}

	for i := 0; i < 4; i++ {
		require.True(t, rl.Allow(context.Background(), req).Allowed)
	}

	// Growing capacity must not grant tokens.
	require.NoError(t, rl.Configure(apiKeyPolicy("k1", 20, 0, 10*time.Second)))
	d := rl.Allow(context.Background(), req)
	require.True(t, d.Allowed)
	assert.Equal(t, 5.0, d.TokensRemaining)
	assert.Equal(t, 20.0, d.Limit)

	// Shrinking capacity clamps.
	require.NoError(t, rl.Configure(apiKeyPolicy("k1", 3, 0, 10*time.Second)))
	d = rl.Allow(context.Background(), req)
	require.True(t, d.Allowed)
	assert.Equal(t, 2.0, d.TokensRemaining)
}

func TestRateLimiterRejectsInvalidPolicies(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 10, 0, time.Second))
	before := rl.Version()

	err := rl.Configure(apiKeyPolicy("k1", 0, 0, time.Second))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = rl.ApplyPolicies([]domain.RateLimitPolicy{
		apiKeyPolicy("k2", 1, 0, time.Second),
		apiKeyPolicy("k3", 1, -1, time.Second),
	})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, before, rl.Version())
	assert.Len(t, rl.Policies(), 1)
}

func TestRateLimiterDryRunDoesNotMutate(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 5, 0, 5*time.Second))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}

	require.True(t, rl.Allow(context.Background(), req).Allowed)

	res := rl.Test(req, 6)
	assert.Equal(t, 4, res.AllowedCount)
	assert.Equal(t, 2, res.DeniedCount)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0.0, res.TokensRemaining)
	assert.InDelta(t, 1.0, res.RetryAfter.Seconds(), 0.001)

	state, ok := rl.Bucket(req)
	require.True(t, ok)
	assert.Equal(t, 4.0, state.Tokens)

	_, ok = rl.Bucket(AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "unknown"})
	rl.Test(AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "unknown"}, 3)
	assert.False(t, ok)
	assert.Equal(t, 1, rl.Len(), "dry run must not create buckets")
}

func TestRateLimiterClockGoingBackwards(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 2, 0, 2*time.Second))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}

	require.True(t, rl.Allow(context.Background(), req).Allowed)
	require.True(t, rl.Allow(context.Background(), req).Allowed)

	clock.Advance(-time.Hour)
	d := rl.Allow(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0.0, d.TokensRemaining)
}

func TestRateLimiterFailsOpenOnCorruptBucket(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 1, 0, time.Minute))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}

	require.True(t, rl.Allow(context.Background(), req).Allowed)
	b, ok := rl.buckets.peek(req.normalized().key())
	require.True(t, ok)
	b.tokens = math.NaN()

	d := rl.Allow(context.Background(), req)
	assert.True(t, d.Allowed)
	assert.Equal(t, "fail_open", d.Reason)
	assert.Equal(t, uint64(1), rl.Faults())

	// The faulty bucket is replaced with a fresh one.
	d = rl.Allow(context.Background(), req)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.False(t, rl.Allow(context.Background(), req).Allowed)
}

func TestRateLimiterSweepEvictsRefilledBuckets(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultRateLimiterConfig()
	cfg.Now = clock.Now
	cfg.Registry.IdleTTL = time.Minute
	rl, err := NewRateLimiter(cfg, discardLogger())
	require.NoError(t, err)

	rl.Allow(context.Background(), AdmissionRequest{IdentifierType: domain.IdentifierIP, Identifier: "a"})
	clock.Advance(30 * time.Second)
	rl.Allow(context.Background(), AdmissionRequest{IdentifierType: domain.IdentifierIP, Identifier: "b"})
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, rl.Sweep())
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiterDecisionHook(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 1, 0, time.Minute))

	var allowed, denied atomic.Int32
	rl.OnDecision(func(_ AdmissionRequest, d domain.RateLimitDecision) {
		if d.Allowed {
			allowed.Add(1)
		} else {
			denied.Add(1)
		}
	})

	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}
	rl.Allow(context.Background(), req)
	rl.Allow(context.Background(), req)

	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, int32(1), denied.Load())
}

func TestRateLimiterConcurrentAdmissionIsExact(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, apiKeyPolicy("k1", 100, 20, time.Hour))
	req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "k1"}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if rl.Allow(context.Background(), req).Allowed {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(120), admitted.Load())
}

// Property: admitted cost over any interval never exceeds capacity + rate × elapsed,
// and tokens stay within [0, capacity].
func TestRateLimiterNoOverAdmissionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rpw := rapid.IntRange(1, 50).Draw(t, "requests_per_window")
		burst := rapid.IntRange(0, 20).Draw(t, "burst")
		window := time.Duration(rapid.IntRange(1, 60).Draw(t, "window_seconds")) * time.Second

		clock := newFakeClock()
		rl := newTestLimiter(t, clock, apiKeyPolicy("p", rpw, burst, window))
		req := AdmissionRequest{IdentifierType: domain.IdentifierAPIKey, Identifier: "p"}
		policy := apiKeyPolicy("p", rpw, burst, window)

		start := clock.Now()
		admittedCost := 0.0
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 2000).Draw(t, "advance_ms")) * time.Millisecond)
			req.Cost = float64(rapid.IntRange(1, 5).Draw(t, "cost"))

			d := rl.Allow(context.Background(), req)
			if d.Allowed {
				admittedCost += req.Cost
			} else if d.RetryAfter <= 0 {
				t.Fatalf("denial without retry_after: %+v", d)
			}
			if d.TokensRemaining < 0 || d.TokensRemaining > policy.Capacity()+1e-9 {
				t.Fatalf("tokens out of range: %v (capacity %v)", d.TokensRemaining, policy.Capacity())
			}

			elapsed := clock.Now().Sub(start).Seconds()
			bound := policy.Capacity() + policy.RefillRate()*elapsed
			if admittedCost > bound+1e-6 {
				t.Fatalf("over-admission: admitted %v > bound %v", admittedCost, bound)
			}
		}
	})
}
