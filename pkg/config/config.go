// Package config provides configuration structures and loading logic for the
// guard process. Static settings come from a YAML file plus POLIS_GUARD_*
// environment overrides; hot-reloadable policies live in a separate file
// watched by FileProvider.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-guard/internal/governance"
	guardtls "github.com/polisai/polis-guard/internal/tls"
	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/logging"
	"github.com/polisai/polis-guard/pkg/notify"
	"github.com/polisai/polis-guard/pkg/storage"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_GUARD_"

// Config holds the global configuration of the guard process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    logging.Config   `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Storage    StorageConfig    `yaml:"storage"`
	Notify     NotifyConfig     `yaml:"notify"`
	Governance GovernanceConfig `yaml:"governance"`
	Signals    SignalsConfig    `yaml:"signals"`
	Incidents  IncidentsConfig  `yaml:"incidents"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Policies   PoliciesConfig   `yaml:"policies"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress    string        `yaml:"admin_address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminToken, when set, is required as a bearer token on mutating routes.
	AdminToken string `yaml:"admin_token"`
	// TLS serves the admin API over TLS when a certificate is set.
	TLS guardtls.Config `yaml:"tls"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver          string              `yaml:"driver"`
	DSN             string              `yaml:"dsn"`
	MaxOpenConns    int                 `yaml:"max_open_conns"`
	MaxIdleConns    int                 `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration       `yaml:"conn_max_lifetime"`
	LogQueries      bool                `yaml:"log_queries"`
	Async           storage.AsyncConfig `yaml:"async"`
}

// Database returns the SQL settings for storage.OpenGorm.
func (s StorageConfig) Database() storage.DatabaseConfig {
	return storage.DatabaseConfig{
		Driver:          s.Driver,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		LogQueries:      s.LogQueries,
	}
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	// Log writes every event to the process logger.
	Log        bool                    `yaml:"log"`
	Webhooks   []notify.WebhookConfig  `yaml:"webhooks"`
	Dispatcher notify.DispatcherConfig `yaml:"dispatcher"`
}

// RateLimitDefaults is the limiter-wide fallback policy.
type RateLimitDefaults struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	BurstAllowance    int           `yaml:"burst_allowance"`
	WindowDuration    time.Duration `yaml:"window_duration"`
}

// Policy converts the defaults into a policy for the default scope.
func (d RateLimitDefaults) Policy() domain.RateLimitPolicy {
	return domain.RateLimitPolicy{
		IdentifierType:    domain.IdentifierIP,
		Scope:             domain.DefaultScope,
		RequestsPerWindow: d.RequestsPerWindow,
		BurstAllowance:    d.BurstAllowance,
		WindowDuration:    d.WindowDuration,
	}
}

// GovernanceConfig sizes the limiter and breaker registries.
type GovernanceConfig struct {
	Shards             int                         `yaml:"shards"`
	MaxEntriesPerShard int                         `yaml:"max_entries_per_shard"`
	IdleTTL            time.Duration               `yaml:"idle_ttl"`
	DefaultRateLimit   RateLimitDefaults           `yaml:"default_rate_limit"`
	DefaultBreaker     domain.CircuitBreakerConfig `yaml:"default_breaker"`
	// Concurrency is the in-flight capacity per service used for saturation.
	Concurrency map[string]int `yaml:"concurrency"`
	// Calls maps a service to the timeout and retries of its guarded calls.
	Calls       map[string]governance.CallPolicy `yaml:"calls"`
	DefaultCall governance.CallPolicy            `yaml:"default_call"`
}

// SignalsConfig configures golden signal collection and rollups.
type SignalsConfig struct {
	Shards              int                                `yaml:"shards"`
	MaxBufferedPerShard int                                `yaml:"max_buffered_per_shard"`
	RawRetention        time.Duration                      `yaml:"raw_retention"`
	Lateness            time.Duration                      `yaml:"lateness"`
	Retention           map[string]time.Duration           `yaml:"retention"`
	Compression         float64                            `yaml:"compression"`
	Staleness           time.Duration                      `yaml:"staleness"`
	Thresholds          domain.HealthThresholds            `yaml:"thresholds"`
	ServiceThresholds   map[string]domain.HealthThresholds `yaml:"service_thresholds"`
}

// RetentionByGranularity parses the retention map keys.
func (s SignalsConfig) RetentionByGranularity() (map[domain.Granularity]time.Duration, error) {
	out := make(map[domain.Granularity]time.Duration, len(s.Retention))
	for k, v := range s.Retention {
		g, err := domain.ParseGranularity(k)
		if err != nil {
			return nil, err
		}
		out[g] = v
	}
	return out, nil
}

// IncidentsConfig configures the incident manager.
type IncidentsConfig struct {
	EscalationDelays  map[string]time.Duration `yaml:"escalation_delays"`
	ResolvedRetention time.Duration            `yaml:"resolved_retention"`
	// AutoDeclare opens incidents from critical health and exhausted budgets.
	AutoDeclare bool `yaml:"auto_declare"`
}

// Delays converts the configured escalation delays.
func (c IncidentsConfig) Delays() domain.EscalationDelays {
	out := make(domain.EscalationDelays, len(c.EscalationDelays))
	for k, v := range c.EscalationDelays {
		out[domain.Severity(k)] = v
	}
	return out
}

// SupervisorConfig paces the background loop.
type SupervisorConfig struct {
	// Interval is the aggregation and evaluation tick.
	Interval time.Duration `yaml:"interval"`
	// SweepInterval paces idle-entry eviction and store pruning.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// UsageRetention keeps persisted usage events for this long.
	UsageRetention time.Duration `yaml:"usage_retention"`
}

// PoliciesConfig points at the hot-reloaded policy file.
type PoliciesConfig struct {
	File     string        `yaml:"file"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress:    ":19090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName:    "polis-guard",
			TraceExporter:  telemetry.ExporterOTLP,
			MetricExporter: telemetry.ExporterPrometheus,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Async:  storage.DefaultAsyncConfig(),
		},
		Notify: NotifyConfig{
			Log:        true,
			Dispatcher: notify.DefaultDispatcherConfig(),
		},
		Governance: GovernanceConfig{
			Shards:             32,
			MaxEntriesPerShard: 4096,
			IdleTTL:            30 * time.Minute,
			DefaultRateLimit: RateLimitDefaults{
				RequestsPerWindow: 100,
				WindowDuration:    time.Second,
			},
			DefaultBreaker: domain.DefaultCircuitBreakerConfig(),
		},
		Signals: SignalsConfig{
			Shards:              16,
			MaxBufferedPerShard: 65536,
			RawRetention:        15 * time.Minute,
			Lateness:            30 * time.Second,
			Retention: map[string]time.Duration{
				"1m": 6 * time.Hour,
				"5m": 48 * time.Hour,
				"1h": 30 * 24 * time.Hour,
				"1d": 400 * 24 * time.Hour,
			},
			Compression: 100,
			Staleness:   2 * time.Minute,
			Thresholds:  domain.DefaultHealthThresholds(),
		},
		Incidents: IncidentsConfig{
			EscalationDelays: map[string]time.Duration{
				string(domain.SeverityCritical): 15 * time.Minute,
				string(domain.SeverityMajor):    time.Hour,
				string(domain.SeverityMinor):    4 * time.Hour,
			},
			ResolvedRetention: 24 * time.Hour,
			AutoDeclare:       true,
		},
		Supervisor: SupervisorConfig{
			Interval:       5 * time.Second,
			SweepInterval:  time.Minute,
			UsageRetention: 62 * 24 * time.Hour,
		},
		Policies: PoliciesConfig{
			Debounce: 100 * time.Millisecond,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	if val, ok := get("ADMIN_ADDR"); ok {
		cfg.Server.AdminAddress = val
	}
	if val, ok := get("ADMIN_TOKEN"); ok {
		cfg.Server.AdminToken = val
	}

	if val, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = val
	}
	if val, ok := get("LOG_FORMAT"); ok {
		cfg.Logging.Format = val
	}

	if val, ok := get("OTLP_ENDPOINT"); ok {
		cfg.Telemetry.Endpoint = val
	}
	if val, ok := get("OTLP_INSECURE"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%sOTLP_INSECURE: %w", EnvPrefix, err)
		}
		cfg.Telemetry.Insecure = b
	}
	if val, ok := get("ENVIRONMENT"); ok {
		cfg.Telemetry.Environment = val
	}

	if val, ok := get("STORAGE_DRIVER"); ok {
		cfg.Storage.Driver = val
	}
	if val, ok := get("STORAGE_DSN"); ok {
		cfg.Storage.DSN = val
	}

	if val, ok := get("POLICY_FILE"); ok {
		cfg.Policies.File = val
	}

	// Comma-separated list of webhook URLs replaces the configured webhooks.
	if val, ok := get("WEBHOOK_URLS"); ok {
		cfg.Notify.Webhooks = nil
		for _, u := range strings.Split(val, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Notify.Webhooks = append(cfg.Notify.Webhooks, notify.WebhookConfig{URL: u})
			}
		}
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := validateTelemetry(c.Telemetry); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify configuration: %w", err)
	}
	if err := c.Governance.Validate(); err != nil {
		return fmt.Errorf("governance configuration: %w", err)
	}
	if err := c.Signals.Validate(); err != nil {
		return fmt.Errorf("signals configuration: %w", err)
	}
	if err := c.Incidents.Validate(); err != nil {
		return fmt.Errorf("incidents configuration: %w", err)
	}
	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor configuration: %w", err)
	}
	if c.Policies.Debounce < 0 {
		return fmt.Errorf("policies configuration: debounce must not be negative")
	}
	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if strings.TrimSpace(s.AdminAddress) == "" {
		return fmt.Errorf("admin_address is required")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if err := s.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func validateTelemetry(t telemetry.Config) error {
	switch t.TraceExporter {
	case "", telemetry.ExporterOTLP, telemetry.ExporterStdout, telemetry.ExporterNone:
	default:
		return fmt.Errorf("trace_exporter %q: %w", t.TraceExporter, telemetry.ErrUnknownExporter)
	}
	switch t.MetricExporter {
	case "", telemetry.ExporterPrometheus, telemetry.ExporterStdout, telemetry.ExporterNone:
	default:
		return fmt.Errorf("metric_exporter %q: %w", t.MetricExporter, telemetry.ErrUnknownExporter)
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case "", "memory", "sqlite":
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported driver %q", s.Driver)
	}
	if s.MaxOpenConns < 0 || s.MaxIdleConns < 0 {
		return fmt.Errorf("connection limits must not be negative")
	}
	return nil
}

// Validate validates notification configuration.
func (n *NotifyConfig) Validate() error {
	for i, w := range n.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("webhooks[%d]: url must be http or https, got %q", i, w.URL)
		}
	}
	if n.Dispatcher.RatePerSecond < 0 {
		return fmt.Errorf("dispatcher rate_per_second must not be negative")
	}
	return nil
}

// Validate validates governance configuration.
func (g *GovernanceConfig) Validate() error {
	if g.Shards < 0 || g.MaxEntriesPerShard < 0 || g.IdleTTL < 0 {
		return fmt.Errorf("registry sizes must not be negative")
	}
	if err := g.DefaultRateLimit.Policy().Validate(); err != nil {
		return fmt.Errorf("default_rate_limit: %w", err)
	}
	if err := g.DefaultBreaker.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("default_breaker: %w", err)
	}
	for svc, n := range g.Concurrency {
		if n <= 0 {
			return fmt.Errorf("concurrency[%s] must be positive, got %d", svc, n)
		}
	}
	if err := g.DefaultCall.Validate(); err != nil {
		return fmt.Errorf("default_call: %w", err)
	}
	for svc, p := range g.Calls {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("calls[%s]: %w", svc, err)
		}
	}
	return nil
}

// Validate validates signals configuration.
func (s *SignalsConfig) Validate() error {
	if _, err := s.RetentionByGranularity(); err != nil {
		return err
	}
	if s.Compression < 0 {
		return fmt.Errorf("compression must not be negative")
	}
	if s.Staleness < 0 {
		return fmt.Errorf("staleness must not be negative")
	}
	if err := s.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	for svc, h := range s.ServiceThresholds {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("service_thresholds[%s]: %w", svc, err)
		}
	}
	return nil
}

// Validate validates incident configuration.
func (c *IncidentsConfig) Validate() error {
	for k, v := range c.EscalationDelays {
		if !domain.Severity(k).Valid() {
			return fmt.Errorf("escalation_delays: unknown severity %q", k)
		}
		if v <= 0 {
			return fmt.Errorf("escalation_delays[%s] must be positive", k)
		}
	}
	return nil
}

// Validate validates supervisor configuration.
func (s *SupervisorConfig) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if s.UsageRetention < 0 {
		return fmt.Errorf("usage_retention must not be negative")
	}
	return nil
}
