package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-guard/pkg/domain"
)

type alertID struct {
	budget      string
	threshold   float64
	periodStart int64
}

type windowID struct {
	service     string
	metric      domain.MetricType
	granularity domain.Granularity
	start       int64
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu        sync.RWMutex
	budgets   map[string]domain.CostBudget
	alerts    map[alertID]domain.CostAlert
	usage     []domain.CostUsageEvent
	incidents map[string]domain.Incident
	windows   map[windowID]domain.GoldenSignalWindow
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets:   make(map[string]domain.CostBudget),
		alerts:    make(map[alertID]domain.CostAlert),
		incidents: make(map[string]domain.Incident),
		windows:   make(map[windowID]domain.GoldenSignalWindow),
	}
}

// PutBudget upserts a budget by name.
func (s *MemoryStore) PutBudget(_ context.Context, b domain.CostBudget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.AlertThresholds = append([]float64(nil), b.AlertThresholds...)
	s.budgets[b.Name] = b
	return nil
}

// PutAlert stores an alert key unless it already exists.
func (s *MemoryStore) PutAlert(_ context.Context, a domain.CostAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := alertID{a.BudgetName, a.Threshold, a.PeriodStart.UTC().Unix()}
	if _, ok := s.alerts[id]; !ok {
		s.alerts[id] = a
	}
	return nil
}

// PutUsage appends usage events.
func (s *MemoryStore) PutUsage(_ context.Context, events []domain.CostUsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, events...)
	return nil
}

// PutIncident upserts an incident by ID.
func (s *MemoryStore) PutIncident(_ context.Context, inc domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// PutWindows upserts closed windows.
func (s *MemoryStore) PutWindows(_ context.Context, windows []domain.GoldenSignalWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range windows {
		s.windows[windowID{w.Service, w.MetricType, w.Granularity, w.WindowStart.UTC().UnixNano()}] = w
	}
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, since time.Time) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st State
	for _, b := range s.budgets {
		b.AlertThresholds = append([]float64(nil), b.AlertThresholds...)
		st.Budgets = append(st.Budgets, b)
	}
	sort.Slice(st.Budgets, func(i, j int) bool { return st.Budgets[i].Name < st.Budgets[j].Name })

	for _, a := range s.alerts {
		if !a.PeriodStart.Before(since) {
			st.Alerts = append(st.Alerts, a)
		}
	}
	sort.Slice(st.Alerts, func(i, j int) bool { return st.Alerts[i].Timestamp.Before(st.Alerts[j].Timestamp) })

	for _, e := range s.usage {
		if !e.Timestamp.Before(since) {
			st.Usage = append(st.Usage, e)
		}
	}

	for _, inc := range s.incidents {
		st.Incidents = append(st.Incidents, inc.Clone())
	}
	sort.Slice(st.Incidents, func(i, j int) bool { return st.Incidents[i].CreatedAt.Before(st.Incidents[j].CreatedAt) })
	return st, nil
}

// Windows implements Store.
func (s *MemoryStore) Windows(_ context.Context, q WindowQuery) ([]domain.GoldenSignalWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.GoldenSignalWindow
	for _, w := range s.windows {
		if matchWindow(w, q) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowStart.Before(out[j].WindowStart) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func matchWindow(w domain.GoldenSignalWindow, q WindowQuery) bool {
	if q.Service != "" && w.Service != q.Service {
		return false
	}
	if q.MetricType != "" && w.MetricType != q.MetricType {
		return false
	}
	if q.Granularity != "" && w.Granularity != q.Granularity {
		return false
	}
	if !q.From.IsZero() && w.WindowStart.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !w.WindowStart.Before(q.To) {
		return false
	}
	return true
}

// Incident implements Store.
func (s *MemoryStore) Incident(_ context.Context, id string) (domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return domain.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return inc.Clone(), nil
}

// PruneWindows implements Store.
func (s *MemoryStore) PruneWindows(_ context.Context, g domain.Granularity, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, w := range s.windows {
		if w.Granularity == g && w.WindowStart.Before(before) {
			delete(s.windows, id)
			n++
		}
	}
	return n, nil
}

// PruneUsage implements Store.
func (s *MemoryStore) PruneUsage(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	kept := s.usage[:0]
	for _, e := range s.usage {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.usage = kept

	for id, a := range s.alerts {
		if a.PeriodStart.Before(before) {
			delete(s.alerts, id)
			n++
		}
	}
	return n, nil
}

// Ping is a no-op for memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
