package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

// CallPolicy bounds one guarded dependency call: a per-attempt timeout and a
// retry budget with exponential backoff. The zero value means one attempt
// without a timeout.
type CallPolicy struct {
	// Timeout applies to each attempt. Zero leaves the caller's deadline alone.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxRetries is the number of attempts after the first.
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" json:"multiplier"`
	// Jitter adds up to a quarter of the backoff at random.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// WithDefaults fills unset backoff parameters.
func (p CallPolicy) WithDefaults() CallPolicy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	return p
}

// Validate rejects negative settings.
func (p CallPolicy) Validate() error {
	switch {
	case p.Timeout < 0:
		return domain.NewConfigError("timeout", "must not be negative")
	case p.MaxRetries < 0:
		return domain.NewConfigError("max_retries", "must not be negative")
	case p.MaxRetries > 10:
		return domain.NewConfigError("max_retries", "must be at most 10, got %d", p.MaxRetries)
	case p.InitialBackoff < 0 || p.MaxBackoff < 0:
		return domain.NewConfigError("backoff", "must not be negative")
	case p.Multiplier < 0:
		return domain.NewConfigError("multiplier", "must not be negative")
	}
	return nil
}

// Backoff returns the delay before retry number attempt+1.
func (p CallPolicy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	backoff := time.Duration(float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt)))
	if backoff > p.MaxBackoff || backoff <= 0 {
		backoff = p.MaxBackoff
	}
	if p.Jitter && backoff >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		backoff += time.Duration(rand.Int64N(int64(backoff / 4)))
	}
	return backoff
}

// AttemptContext derives the context for one attempt.
func (p CallPolicy) AttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.Timeout)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether a failed attempt may be retried. Breaker
// rejections, admission denials, cancellations and errors marked Permanent
// never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, domain.ErrProviderUnavailable) ||
		errors.Is(err, domain.ErrAdmissionRejected) ||
		errors.Is(err, domain.ErrConfigInvalid) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// RetriesExhaustedError wraps the last failure after every attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%d attempts failed: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }
