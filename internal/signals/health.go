package signals

import "github.com/polisai/polis-guard/pkg/domain"

// Thresholds resolves health thresholds per service.
type Thresholds struct {
	Default  domain.HealthThresholds            `json:"default" yaml:"default"`
	Services map[string]domain.HealthThresholds `json:"services,omitempty" yaml:"services,omitempty"`
}

// DefaultThresholds applies domain.DefaultHealthThresholds to every service.
func DefaultThresholds() Thresholds {
	return Thresholds{Default: domain.DefaultHealthThresholds()}
}

// For returns the thresholds of a service.
func (t Thresholds) For(service string) domain.HealthThresholds {
	if h, ok := t.Services[service]; ok {
		return h
	}
	return t.Default
}

// Validate checks every threshold set.
func (t Thresholds) Validate() error {
	if err := t.Default.Validate(); err != nil {
		return err
	}
	for _, h := range t.Services {
		if err := h.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Classify derives service health from its latest windows. Any hard breach is
// critical, any soft breach is a warning, no windows at all is unknown.
func Classify(service string, thresholds domain.HealthThresholds, windows []domain.GoldenSignalWindow) domain.ServiceHealth {
	health := domain.ServiceHealth{
		Service: service,
		Status:  domain.HealthUnknown,
		Windows: windows,
	}
	if len(windows) == 0 {
		return health
	}

	hard := false
	for _, w := range windows {
		limit := thresholds.For(w.MetricType)
		value := w.SignalValue()
		switch {
		case limit.Hard > 0 && value > limit.Hard:
			hard = true
			health.Breaches = append(health.Breaches, domain.ThresholdBreach{
				MetricType: w.MetricType, Value: value, Limit: limit.Hard, Hard: true,
			})
		case limit.Soft > 0 && value > limit.Soft:
			health.Breaches = append(health.Breaches, domain.ThresholdBreach{
				MetricType: w.MetricType, Value: value, Limit: limit.Soft,
			})
		}
	}

	switch {
	case hard:
		health.Status = domain.HealthCritical
	case len(health.Breaches) > 0:
		health.Status = domain.HealthWarning
	default:
		health.Status = domain.HealthHealthy
	}
	return health
}
