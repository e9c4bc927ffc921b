// Package notify delivers incident, budget and breaker notifications to
// external channels.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-guard/pkg/domain"
)

// Kind classifies a notification.
type Kind string

const (
	KindIncident Kind = "incident"
	KindBudget   Kind = "budget_alert"
	KindBreaker  Kind = "breaker_transition"
	KindHealth   Kind = "health"
)

// Event is one notification. ID doubles as the delivery idempotency key.
type Event struct {
	ID         string                    `json:"id"`
	Kind       Kind                      `json:"kind"`
	Action     string                    `json:"action"`
	Service    string                    `json:"service"`
	Severity   string                    `json:"severity,omitempty"`
	Summary    string                    `json:"summary"`
	Timestamp  time.Time                 `json:"timestamp"`
	Incident   *domain.Incident          `json:"incident,omitempty"`
	Alert      *domain.CostAlert         `json:"alert,omitempty"`
	Transition *domain.BreakerTransition `json:"transition,omitempty"`
}

// Notifier delivers events to a channel.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// IncidentEvent builds the notification for an incident lifecycle change.
func IncidentEvent(event domain.IncidentEvent, inc domain.Incident) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindIncident,
		Action:    string(event),
		Service:   inc.AffectedService,
		Severity:  string(inc.Severity),
		Summary:   inc.Title,
		Timestamp: time.Now().UTC(),
		Incident:  &inc,
	}
}

// AlertEvent builds the notification for a budget alert.
func AlertEvent(a domain.CostAlert) Event {
	severity := "warning"
	if a.Critical() {
		severity = "critical"
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindBudget,
		Action:    "threshold_crossed",
		Service:   a.Service,
		Severity:  severity,
		Summary:   "budget " + a.BudgetName + " crossed " + formatPercent(a.Threshold),
		Timestamp: a.Timestamp,
		Alert:     &a,
	}
}

// TransitionEvent builds the notification for a breaker state change.
func TransitionEvent(t domain.BreakerTransition) Event {
	severity := "info"
	if t.To == domain.BreakerOpen {
		severity = "warning"
	}
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindBreaker,
		Action:     string(t.To),
		Service:    t.Service,
		Severity:   severity,
		Summary:    "circuit " + t.Service + "/" + t.Provider + " " + string(t.From) + " -> " + string(t.To),
		Timestamp:  t.At,
		Transition: &t,
	}
}

// HealthEvent builds the notification for a service health change.
func HealthEvent(h domain.ServiceHealth, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindHealth,
		Action:    string(h.Status),
		Service:   h.Service,
		Severity:  string(h.Status),
		Summary:   "service " + h.Service + " is " + string(h.Status),
		Timestamp: at,
	}
}

func formatPercent(fraction float64) string {
	return strconv.FormatFloat(math.Round(fraction*10000)/100, 'f', -1, 64) + "%"
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, e Event) error {
	n.logger.InfoContext(ctx, "Notification",
		"event_id", e.ID,
		"kind", string(e.Kind),
		"action", e.Action,
		"service", e.Service,
		"severity", e.Severity,
		"summary", e.Summary)
	return nil
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
