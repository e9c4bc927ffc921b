package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/polisai/polis-guard/pkg/domain"
)

// DatabaseConfig selects and tunes the SQL backend.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// LogQueries enables gorm's query logger.
	LogQueries bool `yaml:"log_queries"`
}

type budgetRecord struct {
	Name            string          `gorm:"primaryKey;size:128"`
	Service         string          `gorm:"size:128;index"`
	Period          string          `gorm:"size:16"`
	AmountLimit     decimal.Decimal `gorm:"type:varchar(64)"`
	AlertThresholds []float64       `gorm:"serializer:json"`
	Active          bool
	Version         int
	UpdatedAt       time.Time
}

func (budgetRecord) TableName() string { return "guard_budgets" }

type alertRecord struct {
	BudgetName   string          `gorm:"primaryKey;size:128"`
	Threshold    float64         `gorm:"primaryKey"`
	PeriodStart  time.Time       `gorm:"primaryKey"`
	Service      string          `gorm:"size:128"`
	CurrentUsage decimal.Decimal `gorm:"type:varchar(64)"`
	AmountLimit  decimal.Decimal `gorm:"type:varchar(64)"`
	Timestamp    time.Time
}

func (alertRecord) TableName() string { return "guard_alerts" }

type usageRecord struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	Service   string          `gorm:"size:128;index"`
	CostType  string          `gorm:"size:64"`
	Amount    decimal.Decimal `gorm:"type:varchar(64)"`
	Timestamp time.Time       `gorm:"index"`
}

func (usageRecord) TableName() string { return "guard_usage" }

type incidentRecord struct {
	ID              string `gorm:"primaryKey;size:64"`
	Title           string
	Description     string
	Severity        string            `gorm:"size:16"`
	AffectedService string            `gorm:"size:128;index"`
	Status          string            `gorm:"size:16;index"`
	Source          string            `gorm:"size:32"`
	Context         map[string]string `gorm:"serializer:json"`
	CreatedAt       time.Time
	EscalatedAt     *time.Time
	AutoEscalated   bool
	ResolvedAt      *time.Time
	ResolutionNotes string
	RootCause       string
}

func (incidentRecord) TableName() string { return "guard_incidents" }

type windowRecord struct {
	Service        string    `gorm:"primaryKey;size:128"`
	MetricType     string    `gorm:"primaryKey;size:16"`
	Granularity    string    `gorm:"primaryKey;size:8"`
	WindowStart    time.Time `gorm:"primaryKey"`
	WindowDuration time.Duration
	Samples        int
	Aggregate      domain.Aggregate `gorm:"embedded;embeddedPrefix:agg_"`
}

func (windowRecord) TableName() string { return "guard_windows" }

// GormStore implements Store on a SQL database through GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to the configured database and migrates the schema.
func OpenGorm(cfg DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, domain.NewConfigError("storage.driver", "unsupported driver %q", cfg.Driver)
	}

	level := logger.Silent
	if cfg.LogQueries {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.Driver == "postgres" {
		sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 10))
		sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 50))
	} else {
		// A single connection keeps an in-memory database alive and serialises writers.
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return NewGormStore(db)
}

// NewGormStore wraps an open connection and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&budgetRecord{}, &alertRecord{}, &usageRecord{}, &incidentRecord{}, &windowRecord{}); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &GormStore{db: db}, nil
}

func orDefault(v, d int) int {
	if v > 0 {
		return v
	}
	return d
}

// PutBudget implements Store.
func (s *GormStore) PutBudget(ctx context.Context, b domain.CostBudget) error {
	rec := budgetRecord{
		Name:            b.Name,
		Service:         b.Service,
		Period:          string(b.Period),
		AmountLimit:     b.AmountLimit,
		AlertThresholds: b.AlertThresholds,
		Active:          b.Active,
		Version:         b.Version,
		UpdatedAt:       b.UpdatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save budget %s: %w", b.Name, err)
	}
	return nil
}

// PutAlert implements Store.
func (s *GormStore) PutAlert(ctx context.Context, a domain.CostAlert) error {
	rec := alertRecord{
		BudgetName:   a.BudgetName,
		Threshold:    a.Threshold,
		PeriodStart:  a.PeriodStart.UTC(),
		Service:      a.Service,
		CurrentUsage: a.CurrentUsage,
		AmountLimit:  a.AmountLimit,
		Timestamp:    a.Timestamp.UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save alert %s@%g: %w", a.BudgetName, a.Threshold, err)
	}
	return nil
}

// PutUsage implements Store.
func (s *GormStore) PutUsage(ctx context.Context, events []domain.CostUsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	recs := make([]usageRecord, 0, len(events))
	for _, e := range events {
		recs = append(recs, usageRecord{
			Service:   e.Service,
			CostType:  e.CostType,
			Amount:    e.Amount,
			Timestamp: e.Timestamp.UTC(),
		})
	}
	if err := s.db.WithContext(ctx).CreateInBatches(recs, 500).Error; err != nil {
		return fmt.Errorf("failed to save %d usage events: %w", len(events), err)
	}
	return nil
}

// PutIncident implements Store.
func (s *GormStore) PutIncident(ctx context.Context, inc domain.Incident) error {
	rec := toIncidentRecord(inc)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to save incident %s: %w", inc.ID, err)
	}
	return nil
}

// PutWindows implements Store.
func (s *GormStore) PutWindows(ctx context.Context, windows []domain.GoldenSignalWindow) error {
	if len(windows) == 0 {
		return nil
	}
	recs := make([]windowRecord, 0, len(windows))
	for _, w := range windows {
		recs = append(recs, windowRecord{
			Service:        w.Service,
			MetricType:     string(w.MetricType),
			Granularity:    string(w.Granularity),
			WindowStart:    w.WindowStart.UTC(),
			WindowDuration: w.WindowDuration,
			Samples:        w.Samples,
			Aggregate:      w.Aggregate,
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(recs, 500).Error
	if err != nil {
		return fmt.Errorf("failed to save %d windows: %w", len(windows), err)
	}
	return nil
}

// Load implements Store.
func (s *GormStore) Load(ctx context.Context, since time.Time) (State, error) {
	db := s.db.WithContext(ctx)
	since = since.UTC()

	var budgets []budgetRecord
	if err := db.Order("name").Find(&budgets).Error; err != nil {
		return State{}, fmt.Errorf("failed to load budgets: %w", err)
	}
	var alerts []alertRecord
	if err := db.Where("period_start >= ?", since).Order("timestamp").Find(&alerts).Error; err != nil {
		return State{}, fmt.Errorf("failed to load alerts: %w", err)
	}
	var usage []usageRecord
	if err := db.Where("timestamp >= ?", since).Order("id").Find(&usage).Error; err != nil {
		return State{}, fmt.Errorf("failed to load usage: %w", err)
	}
	var incidents []incidentRecord
	if err := db.Order("created_at").Find(&incidents).Error; err != nil {
		return State{}, fmt.Errorf("failed to load incidents: %w", err)
	}

	st := State{
		Budgets:   make([]domain.CostBudget, 0, len(budgets)),
		Alerts:    make([]domain.CostAlert, 0, len(alerts)),
		Usage:     make([]domain.CostUsageEvent, 0, len(usage)),
		Incidents: make([]domain.Incident, 0, len(incidents)),
	}
	for _, b := range budgets {
		st.Budgets = append(st.Budgets, domain.CostBudget{
			Name:            b.Name,
			Service:         b.Service,
			Period:          domain.BudgetPeriod(b.Period),
			AmountLimit:     b.AmountLimit,
			AlertThresholds: b.AlertThresholds,
			Active:          b.Active,
			Version:         b.Version,
			UpdatedAt:       b.UpdatedAt.UTC(),
		})
	}
	for _, a := range alerts {
		st.Alerts = append(st.Alerts, domain.CostAlert{
			BudgetName:   a.BudgetName,
			Service:      a.Service,
			Threshold:    a.Threshold,
			CurrentUsage: a.CurrentUsage,
			AmountLimit:  a.AmountLimit,
			PeriodStart:  a.PeriodStart.UTC(),
			Timestamp:    a.Timestamp.UTC(),
		})
	}
	for _, u := range usage {
		st.Usage = append(st.Usage, domain.CostUsageEvent{
			Service:   u.Service,
			CostType:  u.CostType,
			Amount:    u.Amount,
			Timestamp: u.Timestamp.UTC(),
		})
	}
	for _, inc := range incidents {
		st.Incidents = append(st.Incidents, fromIncidentRecord(inc))
	}
	return st, nil
}

// Windows implements Store.
func (s *GormStore) Windows(ctx context.Context, q WindowQuery) ([]domain.GoldenSignalWindow, error) {
	query := s.db.WithContext(ctx).Model(&windowRecord{})
	if q.Service != "" {
		query = query.Where("service = ?", q.Service)
	}
	if q.MetricType != "" {
		query = query.Where("metric_type = ?", string(q.MetricType))
	}
	if q.Granularity != "" {
		query = query.Where("granularity = ?", string(q.Granularity))
	}
	if !q.From.IsZero() {
		query = query.Where("window_start >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		query = query.Where("window_start < ?", q.To.UTC())
	}
	query = query.Order("window_start DESC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var recs []windowRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}

	out := make([]domain.GoldenSignalWindow, len(recs))
	for i, r := range recs {
		// Reverse into ascending order.
		out[len(recs)-1-i] = domain.GoldenSignalWindow{
			Service:        r.Service,
			MetricType:     domain.MetricType(r.MetricType),
			Granularity:    domain.Granularity(r.Granularity),
			WindowStart:    r.WindowStart.UTC(),
			WindowDuration: r.WindowDuration,
			Samples:        r.Samples,
			Aggregate:      r.Aggregate,
		}
	}
	return out, nil
}

// Incident implements Store.
func (s *GormStore) Incident(ctx context.Context, id string) (domain.Incident, error) {
	var rec incidentRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Incident{}, fmt.Errorf("incident %s: %w", id, ErrNotFound)
		}
		return domain.Incident{}, fmt.Errorf("failed to get incident: %w", err)
	}
	return fromIncidentRecord(rec), nil
}

// PruneWindows implements Store.
func (s *GormStore) PruneWindows(ctx context.Context, g domain.Granularity, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("granularity = ? AND window_start < ?", string(g), before.UTC()).
		Delete(&windowRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune %s windows: %w", g, res.Error)
	}
	return res.RowsAffected, nil
}

// PruneUsage implements Store.
func (s *GormStore) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", before.UTC()).Delete(&usageRecord{})
		if res.Error != nil {
			return res.Error
		}
		n += res.RowsAffected
		res = tx.Where("period_start < ?", before.UTC()).Delete(&alertRecord{})
		if res.Error != nil {
			return res.Error
		}
		n += res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

func toIncidentRecord(inc domain.Incident) incidentRecord {
	return incidentRecord{
		ID:              inc.ID,
		Title:           inc.Title,
		Description:     inc.Description,
		Severity:        string(inc.Severity),
		AffectedService: inc.AffectedService,
		Status:          string(inc.Status),
		Source:          string(inc.Source),
		Context:         inc.Context,
		CreatedAt:       inc.CreatedAt.UTC(),
		EscalatedAt:     utcPtr(inc.EscalatedAt),
		AutoEscalated:   inc.AutoEscalated,
		ResolvedAt:      utcPtr(inc.ResolvedAt),
		ResolutionNotes: inc.ResolutionNotes,
		RootCause:       inc.RootCause,
	}
}

func fromIncidentRecord(r incidentRecord) domain.Incident {
	return domain.Incident{
		ID:              r.ID,
		Title:           r.Title,
		Description:     r.Description,
		Severity:        domain.Severity(r.Severity),
		AffectedService: r.AffectedService,
		Status:          domain.IncidentStatus(r.Status),
		Source:          domain.IncidentSource(r.Source),
		Context:         r.Context,
		CreatedAt:       r.CreatedAt.UTC(),
		EscalatedAt:     utcPtr(r.EscalatedAt),
		AutoEscalated:   r.AutoEscalated,
		ResolvedAt:      utcPtr(r.ResolvedAt),
		ResolutionNotes: r.ResolutionNotes,
		RootCause:       r.RootCause,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
