package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricType is one of the four golden signals.
type MetricType string

const (
	MetricLatency    MetricType = "latency"
	MetricTraffic    MetricType = "traffic"
	MetricErrors     MetricType = "errors"
	MetricSaturation MetricType = "saturation"
)

// MetricTypes lists the golden signals in display order.
var MetricTypes = []MetricType{MetricLatency, MetricTraffic, MetricErrors, MetricSaturation}

// Valid reports whether m is a golden signal.
func (m MetricType) Valid() bool {
	switch m {
	case MetricLatency, MetricTraffic, MetricErrors, MetricSaturation:
		return true
	}
	return false
}

// Granularity is a rollup window size.
type Granularity string

const (
	Granularity1m Granularity = "1m"
	Granularity5m Granularity = "5m"
	Granularity1h Granularity = "1h"
	Granularity1d Granularity = "1d"
)

// Granularities lists every rollup size from finest to coarsest.
var Granularities = []Granularity{Granularity1m, Granularity5m, Granularity1h, Granularity1d}

// Duration returns the window length.
func (g Granularity) Duration() time.Duration {
	switch g {
	case Granularity1m:
		return time.Minute
	case Granularity5m:
		return 5 * time.Minute
	case Granularity1h:
		return time.Hour
	case Granularity1d:
		return 24 * time.Hour
	}
	return 0
}

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if g.Duration() == 0 {
		return "", fmt.Errorf("unknown granularity %q", s)
	}
	return g, nil
}

// GoldenSignalSample is one raw observation. Samples are never mutated.
//
// Latency values are milliseconds. Traffic values are request counts (usually 1).
// Errors values are failed-request counts. Saturation values are utilisation
// gauges in [0, 1].
type GoldenSignalSample struct {
	Service    string     `json:"service"`
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Validate checks the fields a sample needs before it is buffered.
func (s GoldenSignalSample) Validate() error {
	if strings.TrimSpace(s.Service) == "" {
		return NewConfigError("service", "must not be empty")
	}
	if !s.MetricType.Valid() {
		return NewConfigError("metric_type", "unknown metric type %q", s.MetricType)
	}
	return nil
}

// Aggregate is the derived value of one window. Which fields are meaningful
// depends on the metric type.
type Aggregate struct {
	Count   float64 `json:"count"`
	Sum     float64 `json:"sum"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Last    float64 `json:"last"`
	P50     float64 `json:"p50,omitempty"`
	P95     float64 `json:"p95,omitempty"`
	P99     float64 `json:"p99,omitempty"`
	Ratio   float64 `json:"ratio,omitempty"`
}

// GoldenSignalWindow is a closed, immutable rollup.
type GoldenSignalWindow struct {
	Service        string        `json:"service"`
	MetricType     MetricType    `json:"metric_type"`
	Granularity    Granularity   `json:"granularity"`
	WindowStart    time.Time     `json:"window_start"`
	WindowDuration time.Duration `json:"window_duration"`
	Samples        int           `json:"samples"`
	Aggregate      Aggregate     `json:"aggregate"`
}

// SignalValue is the number a health threshold is compared against:
// p99 for latency, count for traffic, ratio for errors and average for saturation.
func (w GoldenSignalWindow) SignalValue() float64 {
	switch w.MetricType {
	case MetricLatency:
		return w.Aggregate.P99
	case MetricTraffic:
		return w.Aggregate.Count
	case MetricErrors:
		return w.Aggregate.Ratio
	case MetricSaturation:
		return w.Aggregate.Average
	}
	return 0
}

// HealthStatus classifies a service.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Threshold is a soft/hard upper bound. A zero bound is disabled.
type Threshold struct {
	Soft float64 `json:"soft" yaml:"soft"`
	Hard float64 `json:"hard" yaml:"hard"`
}

// HealthThresholds bounds each golden signal of a service.
type HealthThresholds struct {
	Latency    Threshold `json:"latency" yaml:"latency"`
	Traffic    Threshold `json:"traffic" yaml:"traffic"`
	Errors     Threshold `json:"errors" yaml:"errors"`
	Saturation Threshold `json:"saturation" yaml:"saturation"`
}

// For returns the threshold for a metric type.
func (h HealthThresholds) For(m MetricType) Threshold {
	switch m {
	case MetricLatency:
		return h.Latency
	case MetricTraffic:
		return h.Traffic
	case MetricErrors:
		return h.Errors
	case MetricSaturation:
		return h.Saturation
	}
	return Threshold{}
}

// Validate requires soft ≤ hard whenever both are set.
func (h HealthThresholds) Validate() error {
	for _, m := range MetricTypes {
		t := h.For(m)
		if t.Soft < 0 || t.Hard < 0 {
			return NewConfigError(string(m), "thresholds must not be negative")
		}
		if t.Soft > 0 && t.Hard > 0 && t.Soft > t.Hard {
			return NewConfigError(string(m), "soft threshold %.4g exceeds hard threshold %.4g", t.Soft, t.Hard)
		}
	}
	return nil
}

// DefaultHealthThresholds returns conservative thresholds for services without overrides.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		Latency:    Threshold{Soft: 500, Hard: 2000},
		Errors:     Threshold{Soft: 0.01, Hard: 0.05},
		Saturation: Threshold{Soft: 0.8, Hard: 0.95},
	}
}

// ThresholdBreach records one signal over its bound.
type ThresholdBreach struct {
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Limit      float64    `json:"limit"`
	Hard       bool       `json:"hard"`
}

// ServiceHealth is the classification of a service's latest windows.
type ServiceHealth struct {
	Service  string               `json:"service"`
	Status   HealthStatus         `json:"status"`
	Windows  []GoldenSignalWindow `json:"windows"`
	Breaches []ThresholdBreach    `json:"breaches,omitempty"`
}
