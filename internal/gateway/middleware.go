package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-guard/internal/governance"
	"github.com/polisai/polis-guard/pkg/domain"
)

// Default identity headers.
const (
	HeaderAPIKey = "X-API-Key"
	HeaderUserID = "X-User-ID"
)

// MiddlewareOptions configures request admission for an HTTP handler.
type MiddlewareOptions struct {
	// Scope is the rate-limit scope applied to every request.
	Scope string
	// Service names the golden signal stream; defaults to Scope.
	Service string
	// APIKeyHeader and UserHeader default to HeaderAPIKey and HeaderUserID.
	APIKeyHeader string
	UserHeader   string
	// TrustForwardedFor takes the client IP from the first X-Forwarded-For entry.
	TrustForwardedFor bool
	// RateLimitHeaders adds X-RateLimit-Limit and X-RateLimit-Remaining.
	RateLimitHeaders bool
}

// Identify derives the caller identity: API key header, then user header,
// then client IP.
func Identify(r *http.Request, opts MiddlewareOptions) (domain.IdentifierType, string) {
	keyHeader := opts.APIKeyHeader
	if keyHeader == "" {
		keyHeader = HeaderAPIKey
	}
	userHeader := opts.UserHeader
	if userHeader == "" {
		userHeader = HeaderUserID
	}

	if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
		return domain.IdentifierAPIKey, v
	}
	if v := strings.TrimSpace(r.Header.Get(userHeader)); v != "" {
		return domain.IdentifierUser, v
	}
	return domain.IdentifierIP, clientIP(r, opts.TrustForwardedFor)
}

func clientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Middleware admits each request before it reaches next. Denied requests get
// 429 with a Retry-After header and a JSON ErrorResponse body.
func (g *Gateway) Middleware(opts MiddlewareOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idType, id := Identify(r, opts)
			d, err := g.Admit(r.Context(), Admission{
				AdmissionRequest: governance.AdmissionRequest{
					IdentifierType: idType,
					Identifier:     id,
					Scope:          opts.Scope,
				},
				Service: opts.Service,
			})

			if opts.RateLimitHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(d.Limit, 'f', -1, 64))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(math.Floor(d.TokensRemaining), 'f', -1, 64))
			}

			if err != nil {
				WriteRejection(r.Context(), w, d, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d domain.RateLimitDecision) int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// WriteRejection answers a denied admission with 429, a Retry-After header
// and an ErrorResponse body.
func WriteRejection(ctx context.Context, w http.ResponseWriter, d domain.RateLimitDecision, err error) {
	var rejected *domain.AdmissionRejectedError
	if errors.As(err, &rejected) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
	}
	WriteError(ctx, w, http.StatusTooManyRequests, err, d.RetryAfter.Seconds())
}

// WriteError writes err as a domain.ErrorResponse carrying the current trace ID.
func WriteError(ctx context.Context, w http.ResponseWriter, status int, err error, retryAfter float64) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{
		Code:       domain.ErrorCode(err),
		Message:    err.Error(),
		RetryAfter: retryAfter,
		TraceID:    traceID,
	})
}
