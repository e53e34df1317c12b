// Package observability provides structured logging, Prometheus metrics,
// and optional OpenTelemetry tracing for the login orchestration service.
package observability
