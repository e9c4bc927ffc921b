package domain

import "time"

// Severity ranks an incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo:
		return true
	}
	return false
}

// IncidentStatus is the lifecycle position of an incident.
type IncidentStatus string

const (
	IncidentOpen      IncidentStatus = "open"
	IncidentEscalated IncidentStatus = "escalated"
	IncidentResolved  IncidentStatus = "resolved"
)

// IncidentSource records what declared an incident.
type IncidentSource string

const (
	SourceManual       IncidentSource = "manual"
	SourceGoldenSignal IncidentSource = "golden_signal"
	SourceBudget       IncidentSource = "budget"
)

// Incident is a declared disruption. Resolved incidents are terminal.
type Incident struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Severity        Severity          `json:"severity"`
	AffectedService string            `json:"affected_service"`
	Status          IncidentStatus    `json:"status"`
	Source          IncidentSource    `json:"source"`
	Context         map[string]string `json:"context,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	EscalatedAt     *time.Time        `json:"escalated_at,omitempty"`
	AutoEscalated   bool              `json:"auto_escalated,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes string            `json:"resolution_notes,omitempty"`
	RootCause       string            `json:"root_cause,omitempty"`
}

// Active reports whether the incident is still unresolved.
func (i Incident) Active() bool {
	return i.Status != IncidentResolved
}

// Clone returns a deep copy safe to hand outside a lock.
func (i Incident) Clone() Incident {
	out := i
	if i.Context != nil {
		out.Context = make(map[string]string, len(i.Context))
		for k, v := range i.Context {
			out.Context[k] = v
		}
	}
	if i.EscalatedAt != nil {
		t := *i.EscalatedAt
		out.EscalatedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// DeclareRequest carries the inputs of a declaration.
type DeclareRequest struct {
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Severity        Severity          `json:"severity"`
	AffectedService string            `json:"affected_service"`
	Source          IncidentSource    `json:"source,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
}

// Validate checks the required declaration fields.
func (r DeclareRequest) Validate() error {
	if r.Title == "" {
		return NewConfigError("title", "must not be empty")
	}
	if !r.Severity.Valid() {
		return NewConfigError("severity", "unknown severity %q", r.Severity)
	}
	if r.AffectedService == "" {
		return NewConfigError("affected_service", "must not be empty")
	}
	return nil
}

// EscalationDelays maps severity to the auto-escalation delay. Severities
// absent from the map never auto-escalate.
type EscalationDelays map[Severity]time.Duration

// DefaultEscalationDelays returns critical 15m, major 1h, minor 4h; info never escalates.
func DefaultEscalationDelays() EscalationDelays {
	return EscalationDelays{
		SeverityCritical: 15 * time.Minute,
		SeverityMajor:    time.Hour,
		SeverityMinor:    4 * time.Hour,
	}
}

// IncidentEvent names a lifecycle change announced to notifiers.
type IncidentEvent string

const (
	EventDeclared  IncidentEvent = "declared"
	EventEscalated IncidentEvent = "escalated"
	EventResolved  IncidentEvent = "resolved"
)
