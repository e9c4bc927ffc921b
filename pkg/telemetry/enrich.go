package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-guard/pkg/domain"
)

// RecordAdmission annotates the span with an admission decision.
func RecordAdmission(span trace.Span, d domain.RateLimitDecision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Bool("guard.admission.allowed", d.Allowed),
		attribute.Float64("guard.admission.tokens_remaining", d.TokensRemaining),
	)
	if d.Reason != "" {
		span.SetAttributes(attribute.String("guard.admission.reason", d.Reason))
	}
	if !d.Allowed {
		span.AddEvent("guard.admission.rejected", trace.WithAttributes(
			attribute.Float64("retry_after_seconds", d.RetryAfter.Seconds()),
		))
	}
}

// RecordShortCircuit marks the span as rejected by an open breaker.
func RecordShortCircuit(span trace.Span, err *domain.ProviderUnavailableError) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("guard.breaker.service", err.Service),
		attribute.String("guard.breaker.provider", err.Provider),
		attribute.Bool("guard.breaker.forced", err.Forced),
	}
	if !err.NextAttemptAt.IsZero() {
		attrs = append(attrs, attribute.String("guard.breaker.next_attempt_at", err.NextAttemptAt.UTC().Format(time.RFC3339)))
	}
	span.AddEvent("guard.breaker.short_circuit", trace.WithAttributes(attrs...))
}
