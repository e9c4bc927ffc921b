package governance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/polisai/polis-guard/pkg/domain"
)

func TestCallPolicyBackoff(t *testing.T) {
	p := CallPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestCallPolicyBackoffJitterBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := CallPolicy{
			InitialBackoff: time.Duration(rapid.Int64Range(1, int64(time.Second)).Draw(t, "initial")),
			MaxBackoff:     time.Duration(rapid.Int64Range(int64(time.Second), int64(time.Minute)).Draw(t, "max")),
			Multiplier:     rapid.Float64Range(1, 4).Draw(t, "multiplier"),
			Jitter:         true,
		}
		attempt := rapid.IntRange(0, 20).Draw(t, "attempt")

		got := p.Backoff(attempt)
		if got <= 0 {
			t.Fatalf("backoff %v must be positive", got)
		}
		if limit := p.MaxBackoff + p.MaxBackoff/4; got > limit {
			t.Fatalf("backoff %v exceeds %v", got, limit)
		}
	})
}

func TestCallPolicyValidate(t *testing.T) {
	assert.NoError(t, CallPolicy{}.Validate())
	assert.NoError(t, CallPolicy{Timeout: time.Second, MaxRetries: 3}.Validate())

	for _, p := range []CallPolicy{
		{Timeout: -1},
		{MaxRetries: -1},
		{MaxRetries: 11},
		{InitialBackoff: -time.Second},
		{Multiplier: -2},
	} {
		assert.ErrorIs(t, p.Validate(), domain.ErrConfigInvalid, "%+v", p)
	}
}

func TestCallPolicyAttemptContext(t *testing.T) {
	ctx, cancel := CallPolicy{}.AttemptContext(context.Background())
	_, ok := ctx.Deadline()
	assert.False(t, ok)
	cancel()

	ctx, cancel = CallPolicy{Timeout: time.Minute}.AttemptContext(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("400 bad request"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"breaker open", &domain.ProviderUnavailableError{Service: "s", Provider: "p"}, false},
		{"permanent", Permanent(errors.New("connection reset")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
	assert.Nil(t, Permanent(nil))
}

func TestRetriesExhaustedErrorUnwraps(t *testing.T) {
	err := &RetriesExhaustedError{Attempts: 3, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "3 attempts failed: context deadline exceeded", err.Error())
}
