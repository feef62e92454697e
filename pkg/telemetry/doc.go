// Package telemetry provides structured logging (zerolog), Prometheus
// metrics, and OpenTelemetry tracing for the scopekeeper engine, plus
// context plumbing so components can pick up the ambient logger.
package telemetry
