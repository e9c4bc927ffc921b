// Package storage persists budgets, alert idempotency keys, usage events,
// incidents and closed golden signal windows. Writes from the hot path go
// through AsyncWriter so no request ever waits on the store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("record not found")

// State is everything needed to rebuild in-memory state at startup.
type State struct {
	Budgets   []domain.CostBudget
	Alerts    []domain.CostAlert
	Usage     []domain.CostUsageEvent
	Incidents []domain.Incident
}

// WindowQuery selects closed windows. Empty Service or MetricType match all.
type WindowQuery struct {
	Service     string
	MetricType  domain.MetricType
	Granularity domain.Granularity
	From        time.Time
	To          time.Time
	Limit       int
}

// Store exposes persistence operations for guard state.
type Store interface {
	PutBudget(ctx context.Context, b domain.CostBudget) error
	// PutAlert records an alert idempotency key; duplicates are ignored.
	PutAlert(ctx context.Context, a domain.CostAlert) error
	PutUsage(ctx context.Context, events []domain.CostUsageEvent) error
	PutIncident(ctx context.Context, inc domain.Incident) error
	PutWindows(ctx context.Context, windows []domain.GoldenSignalWindow) error

	// Load returns budgets, incidents, and alerts and usage at or after since.
	Load(ctx context.Context, since time.Time) (State, error)
	Windows(ctx context.Context, q WindowQuery) ([]domain.GoldenSignalWindow, error)
	Incident(ctx context.Context, id string) (domain.Incident, error)

	// PruneWindows deletes windows of granularity g that started before before.
	PruneWindows(ctx context.Context, g domain.Granularity, before time.Time) (int64, error)
	// PruneUsage deletes usage events and alert keys older than before.
	PruneUsage(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
