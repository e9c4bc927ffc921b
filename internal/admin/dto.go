package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/polisai/polis-guard/pkg/domain"
)

const maxBodyBytes = 1 << 20

// RateLimitRequest configures one rate-limit policy.
type RateLimitRequest struct {
	IdentifierType    string `json:"identifier_type" validate:"required,oneof=ip user client api_key"`
	IdentifierValue   string `json:"identifier_value,omitempty"`
	Scope             string `json:"scope" validate:"required"`
	RequestsPerWindow int    `json:"requests_per_window" validate:"gt=0"`
	BurstAllowance    int    `json:"burst_allowance" validate:"gte=0"`
	WindowDuration    string `json:"window_duration" validate:"required,duration"`
}

// Policy converts the request.
func (r RateLimitRequest) Policy() domain.RateLimitPolicy {
	d, _ := time.ParseDuration(r.WindowDuration)
	return domain.RateLimitPolicy{
		IdentifierType:    domain.IdentifierType(r.IdentifierType),
		IdentifierValue:   r.IdentifierValue,
		Scope:             r.Scope,
		RequestsPerWindow: r.RequestsPerWindow,
		BurstAllowance:    r.BurstAllowance,
		WindowDuration:    d,
	}
}

// RateLimitTestRequest is a dry-run admission check.
type RateLimitTestRequest struct {
	IdentifierType string `json:"identifier_type" validate:"required,oneof=ip user client api_key"`
	Identifier     string `json:"identifier" validate:"required"`
	Scope          string `json:"scope,omitempty"`
	Requests       int    `json:"requests,omitempty" validate:"gte=0,lte=100000"`
}

// RateLimitTestResponse reports the dry run.
type RateLimitTestResponse struct {
	Allowed         bool      `json:"allowed"`
	AllowedCount    int       `json:"allowed_count"`
	DeniedCount     int       `json:"denied_count"`
	TokensRemaining float64   `json:"tokens_remaining"`
	ResetTime       time.Time `json:"reset_time"`
	RetryAfter      float64   `json:"retry_after"`
}

// AdmitRequest runs a real admission check for a remote caller.
type AdmitRequest struct {
	IdentifierType string `json:"identifier_type" validate:"required,oneof=ip user client api_key"`
	Identifier     string `json:"identifier" validate:"required"`
	Scope          string `json:"scope,omitempty"`
	// Service names the golden signal stream; it defaults to the scope.
	Service string `json:"service,omitempty"`
}

// AdmitResponse reports an admitted request.
type AdmitResponse struct {
	Allowed         bool      `json:"allowed"`
	Key             string    `json:"key"`
	TokensRemaining float64   `json:"tokens_remaining"`
	Limit           float64   `json:"limit"`
	ResetTime       time.Time `json:"reset_time"`
}

// BreakerTicket is the permission handed out by a breaker acquire. The
// caller echoes Trial and Generation back with the call's result.
type BreakerTicket struct {
	Service    string `json:"service"`
	Provider   string `json:"provider"`
	Trial      bool   `json:"trial"`
	Generation uint64 `json:"generation"`
}

// BreakerResultRequest reports how a call made under a ticket went.
type BreakerResultRequest struct {
	Trial      bool    `json:"trial"`
	Generation uint64  `json:"generation"`
	Success    *bool   `json:"success" validate:"required"`
	LatencyMs  float64 `json:"latency_ms,omitempty" validate:"gte=0"`
}

// BreakerRequest configures the thresholds of one (service, provider) pair.
// Provider "*" applies to every provider of the service.
type BreakerRequest struct {
	Service                  string `json:"service" validate:"required"`
	Provider                 string `json:"provider" validate:"required"`
	FailureThreshold         int    `json:"failure_threshold" validate:"gte=0"`
	ResetTimeout             string `json:"reset_timeout,omitempty" validate:"omitempty,duration"`
	HalfOpenSuccessThreshold int    `json:"half_open_success_threshold" validate:"gte=0"`
	HalfOpenMaxConcurrent    int    `json:"half_open_max_concurrent" validate:"gte=0"`
}

// Policy converts the request, filling unset thresholds with defaults.
func (r BreakerRequest) Policy() domain.CircuitBreakerPolicy {
	var reset time.Duration
	if r.ResetTimeout != "" {
		reset, _ = time.ParseDuration(r.ResetTimeout)
	}
	return domain.CircuitBreakerPolicy{
		Service:  r.Service,
		Provider: r.Provider,
		CircuitBreakerConfig: domain.CircuitBreakerConfig{
			FailureThreshold:         r.FailureThreshold,
			ResetTimeout:             reset,
			HalfOpenSuccessThreshold: r.HalfOpenSuccessThreshold,
			HalfOpenMaxConcurrent:    r.HalfOpenMaxConcurrent,
		}.WithDefaults(),
	}
}

// BudgetRequest configures one budget.
type BudgetRequest struct {
	Name            string    `json:"name" validate:"required"`
	Service         string    `json:"service" validate:"required"`
	Period          string    `json:"period" validate:"required,oneof=daily weekly monthly"`
	AmountLimit     string    `json:"amount_limit" validate:"required,decimal"`
	AlertThresholds []float64 `json:"alert_thresholds" validate:"required,min=1,dive,gt=0"`
}

// Budget converts the request.
func (r BudgetRequest) Budget() domain.CostBudget {
	limit, _ := decimal.NewFromString(r.AmountLimit)
	return domain.CostBudget{
		Name:            r.Name,
		Service:         r.Service,
		Period:          domain.BudgetPeriod(r.Period),
		AmountLimit:     limit,
		AlertThresholds: r.AlertThresholds,
	}
}

// UsageRequest reports one cost-bearing call from a business service.
type UsageRequest struct {
	Service   string    `json:"service" validate:"required"`
	CostType  string    `json:"cost_type,omitempty"`
	Amount    string    `json:"amount" validate:"required,decimal"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SignalRequest reports one golden signal sample.
type SignalRequest struct {
	Service    string    `json:"service" validate:"required"`
	MetricType string    `json:"metric_type" validate:"required,oneof=latency traffic errors saturation"`
	Value      float64   `json:"value" validate:"gte=0"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// SignalBatchRequest carries samples in bulk.
type SignalBatchRequest struct {
	Samples []SignalRequest `json:"samples" validate:"required,min=1,max=10000,dive"`
}

// DeclareRequest declares an incident.
type DeclareRequest struct {
	Title           string            `json:"title" validate:"required,max=256"`
	Description     string            `json:"description,omitempty"`
	Severity        string            `json:"severity" validate:"required,oneof=critical major minor info"`
	AffectedService string            `json:"affected_service" validate:"required"`
	Context         map[string]string `json:"context,omitempty"`
}

// DeclareResponse returns the new incident.
type DeclareResponse struct {
	IncidentID string          `json:"incident_id"`
	Incident   domain.Incident `json:"incident"`
}

// ResolveRequest closes an incident.
type ResolveRequest struct {
	ResolutionNotes string `json:"resolution_notes,omitempty"`
	RootCause       string `json:"root_cause,omitempty"`
}

// HealthOverview is the operator view of the whole system.
type HealthOverview struct {
	Status          domain.HealthStatus          `json:"status"`
	GoldenSignals   []domain.ServiceHealth       `json:"golden_signals"`
	CircuitBreakers []domain.CircuitBreakerState `json:"circuit_breakers"`
	ActiveIncidents []domain.Incident            `json:"active_incidents"`
	GeneratedAt     time.Time                    `json:"generated_at"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	return v
}

// decode reads a JSON body into dst and validates it. Failures are returned
// as domain config errors so they map onto 400 responses.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewConfigError("", "request body is required")
		}
		return domain.NewConfigError("", "invalid JSON body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.NewConfigError(fieldPath(fe), "%s", constraintMessage(fe))
		}
		return domain.NewConfigError("", "%v", err)
	}
	return nil
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func constraintMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "duration":
		return "must be a positive duration such as 30s or 1m"
	case "decimal":
		return "must be a decimal number"
	case "gt", "gte", "lt", "lte", "min", "max":
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("failed %s constraint", fe.Tag())
}
