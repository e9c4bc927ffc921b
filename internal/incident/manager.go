// Package incident manages the declare, escalate and resolve lifecycle of
// incidents, including deduplicated automatic declaration and time-based
// auto-escalation.
package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-guard/pkg/domain"
)

// dedupeContextKey stores the automatic declaration key on the incident so
// deduplication survives a restore.
const dedupeContextKey = "dedupe_key"

// Notifier announces lifecycle changes. Implementations must not block.
type Notifier interface {
	NotifyIncident(ctx context.Context, event domain.IncidentEvent, inc domain.Incident) error
}

// Persister stores incidents. Implementations must not block.
type Persister interface {
	PutIncident(ctx context.Context, inc domain.Incident) error
}

// Config configures a Manager.
type Config struct {
	EscalationDelays domain.EscalationDelays
	// ResolvedRetention keeps resolved incidents in memory for this long.
	ResolvedRetention time.Duration
	Now               func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EscalationDelays:  domain.DefaultEscalationDelays(),
		ResolvedRetention: 24 * time.Hour,
	}
}

// Manager owns every incident known to this process.
type Manager struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident
	dedupe    map[string]string // dedupe key -> unresolved incident id

	cfg       Config
	notifier  Notifier
	persister Persister
	logger    *slog.Logger
}

// NewManager creates an incident manager. notifier and persister may be nil.
func NewManager(cfg Config, notifier Notifier, persister Persister, logger *slog.Logger) *Manager {
	if cfg.EscalationDelays == nil {
		cfg.EscalationDelays = domain.DefaultEscalationDelays()
	}
	if cfg.ResolvedRetention <= 0 {
		cfg.ResolvedRetention = DefaultConfig().ResolvedRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		incidents: make(map[string]*domain.Incident),
		dedupe:    make(map[string]string),
		cfg:       cfg,
		notifier:  notifier,
		persister: persister,
		logger:    logger,
	}
}

// Declare opens a new incident and returns it.
func (m *Manager) Declare(ctx context.Context, req domain.DeclareRequest) (domain.Incident, error) {
	if err := req.Validate(); err != nil {
		return domain.Incident{}, err
	}

	m.mu.Lock()
	inc := m.createLocked(req)
	out := inc.Clone()
	m.persistLocked(ctx, out)
	m.mu.Unlock()

	m.announce(ctx, domain.EventDeclared, out)
	return out, nil
}

// DeclareAutomatic declares an incident for a detected condition unless an
// unresolved incident with the same key already exists. It reports whether a
// new incident was created.
func (m *Manager) DeclareAutomatic(ctx context.Context, key string, req domain.DeclareRequest) (domain.Incident, bool, error) {
	if err := req.Validate(); err != nil {
		return domain.Incident{}, false, err
	}
	if req.Source == "" || req.Source == domain.SourceManual {
		return domain.Incident{}, false, domain.NewConfigError("source", "automatic declarations need a detector source")
	}
	dedupeKey := fmt.Sprintf("%s|%s|%s", req.Source, req.AffectedService, key)

	m.mu.Lock()
	if id, ok := m.dedupe[dedupeKey]; ok {
		if existing, ok := m.incidents[id]; ok && existing.Active() {
			out := existing.Clone()
			m.mu.Unlock()
			m.logger.Debug("Automatic incident deduplicated", "incident_id", id, "dedupe_key", dedupeKey)
			return out, false, nil
		}
		delete(m.dedupe, dedupeKey)
	}

	ctxCopy := make(map[string]string, len(req.Context)+1)
	for k, v := range req.Context {
		ctxCopy[k] = v
	}
	ctxCopy[dedupeContextKey] = dedupeKey
	req.Context = ctxCopy

	inc := m.createLocked(req)
	m.dedupe[dedupeKey] = inc.ID
	out := inc.Clone()
	m.persistLocked(ctx, out)
	m.mu.Unlock()

	m.announce(ctx, domain.EventDeclared, out)
	return out, true, nil
}

func (m *Manager) createLocked(req domain.DeclareRequest) *domain.Incident {
	source := req.Source
	if source == "" {
		source = domain.SourceManual
	}
	inc := &domain.Incident{
		ID:              uuid.NewString(),
		Title:           req.Title,
		Description:     req.Description,
		Severity:        req.Severity,
		AffectedService: req.AffectedService,
		Status:          domain.IncidentOpen,
		Source:          source,
		Context:         req.Context,
		CreatedAt:       m.cfg.Now(),
	}
	m.incidents[inc.ID] = inc
	return inc
}

// Escalate marks an incident escalated. Escalating an escalated incident is a
// no-op; escalating a resolved one fails with domain.ErrIncidentResolved.
func (m *Manager) Escalate(ctx context.Context, id string) (domain.Incident, error) {
	m.mu.Lock()
	inc, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return domain.Incident{}, err
	}
	switch inc.Status {
	case domain.IncidentResolved:
		m.mu.Unlock()
		return domain.Incident{}, fmt.Errorf("escalate %s: %w", id, domain.ErrIncidentResolved)
	case domain.IncidentEscalated:
		out := inc.Clone()
		m.mu.Unlock()
		return out, nil
	}
	m.escalateLocked(inc, false)
	out := inc.Clone()
	m.persistLocked(ctx, out)
	m.mu.Unlock()

	m.announce(ctx, domain.EventEscalated, out)
	return out, nil
}

func (m *Manager) escalateLocked(inc *domain.Incident, auto bool) {
	at := m.cfg.Now()
	inc.Status = domain.IncidentEscalated
	inc.EscalatedAt = &at
	inc.AutoEscalated = auto
}

// Resolve closes an incident. Resolution is terminal.
func (m *Manager) Resolve(ctx context.Context, id, notes, rootCause string) (domain.Incident, error) {
	m.mu.Lock()
	inc, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return domain.Incident{}, err
	}
	if inc.Status == domain.IncidentResolved {
		m.mu.Unlock()
		return domain.Incident{}, fmt.Errorf("resolve %s: %w", id, domain.ErrIncidentResolved)
	}

	at := m.cfg.Now()
	inc.Status = domain.IncidentResolved
	inc.ResolvedAt = &at
	inc.ResolutionNotes = notes
	inc.RootCause = rootCause
	if key, ok := inc.Context[dedupeContextKey]; ok && m.dedupe[key] == id {
		delete(m.dedupe, key)
	}
	out := inc.Clone()
	m.persistLocked(ctx, out)
	m.mu.Unlock()

	m.announce(ctx, domain.EventResolved, out)
	return out, nil
}

// Tick auto-escalates every open incident older than its severity's delay.
// Each incident auto-escalates at most once.
func (m *Manager) Tick(ctx context.Context, now time.Time) []domain.Incident {
	var escalated []domain.Incident

	m.mu.Lock()
	for _, inc := range m.incidents {
		if inc.Status != domain.IncidentOpen {
			continue
		}
		delay, ok := m.cfg.EscalationDelays[inc.Severity]
		if !ok || now.Sub(inc.CreatedAt) < delay {
			continue
		}
		m.escalateLocked(inc, true)
		out := inc.Clone()
		m.persistLocked(ctx, out)
		escalated = append(escalated, out)
	}
	m.mu.Unlock()

	sortByCreated(escalated)
	for _, inc := range escalated {
		m.logger.Warn("Incident auto-escalated",
			"incident_id", inc.ID,
			"severity", string(inc.Severity),
			"service", inc.AffectedService)
		m.announce(ctx, domain.EventEscalated, inc)
	}
	return escalated
}

// Get returns one incident.
func (m *Manager) Get(id string) (domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, err := m.getLocked(id)
	if err != nil {
		return domain.Incident{}, err
	}
	return inc.Clone(), nil
}

func (m *Manager) getLocked(id string) (*domain.Incident, error) {
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIncidentNotFound, id)
	}
	return inc, nil
}

// Active returns unresolved incidents, oldest first.
func (m *Manager) Active() []domain.Incident {
	return m.filter(func(inc *domain.Incident) bool { return inc.Active() })
}

// List returns every retained incident, oldest first.
func (m *Manager) List() []domain.Incident {
	return m.filter(func(*domain.Incident) bool { return true })
}

func (m *Manager) filter(keep func(*domain.Incident) bool) []domain.Incident {
	m.mu.Lock()
	out := make([]domain.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if keep(inc) {
			out = append(out, inc.Clone())
		}
	}
	m.mu.Unlock()

	sortByCreated(out)
	return out
}

// Prune forgets resolved incidents older than the retention.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, inc := range m.incidents {
		if inc.ResolvedAt != nil && now.Sub(*inc.ResolvedAt) >= m.cfg.ResolvedRetention {
			delete(m.incidents, id)
			removed++
		}
	}
	return removed
}

// Restore loads persisted incidents without announcing them.
func (m *Manager) Restore(incidents []domain.Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range incidents {
		c := inc.Clone()
		m.incidents[c.ID] = &c
		if key, ok := c.Context[dedupeContextKey]; ok && c.Active() {
			m.dedupe[key] = c.ID
		}
	}
}

// persistLocked hands a snapshot to the persister while m.mu is held, so the
// store sees each incident's transitions in the order they happened.
func (m *Manager) persistLocked(ctx context.Context, inc domain.Incident) {
	if m.persister == nil {
		return
	}
	if err := m.persister.PutIncident(ctx, inc); err != nil {
		m.logger.Warn("Failed to persist incident", "incident_id", inc.ID, "error", err)
	}
}

func (m *Manager) announce(ctx context.Context, event domain.IncidentEvent, inc domain.Incident) {
	m.logger.Info("Incident "+string(event),
		"incident_id", inc.ID,
		"severity", string(inc.Severity),
		"service", inc.AffectedService,
		"status", string(inc.Status),
		"source", string(inc.Source))

	if m.notifier != nil {
		if err := m.notifier.NotifyIncident(ctx, event, inc); err != nil {
			m.logger.Warn("Failed to notify incident", "incident_id", inc.ID, "event", string(event), "error", err)
		}
	}
}

func sortByCreated(incs []domain.Incident) {
	sort.Slice(incs, func(i, j int) bool {
		if !incs[i].CreatedAt.Equal(incs[j].CreatedAt) {
			return incs[i].CreatedAt.Before(incs[j].CreatedAt)
		}
		return incs[i].ID < incs[j].ID
	})
}
