// Package telemetry wires OpenTelemetry exporters, meters and Prometheus
// collectors for the guard.
//
// It centralises tracer and meter provider setup, owns the instruments that
// describe admission decisions, breaker transitions, budget alerts and
// incidents, and offers span helpers that annotate gateway calls so operators
// can correlate protective decisions with upstream behaviour.
package telemetry
