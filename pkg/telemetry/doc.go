// Package telemetry provides structured logging, metrics, and tracing
// for rollwave.
//
// Logging is built on zerolog with component child loggers, metrics on
// Prometheus with a dedicated registry, and tracing on OpenTelemetry with
// stdout and OTLP/gRPC exporters. All three are configured from a single
// Config and are safe to use as no-ops when disabled, so library code can
// record telemetry unconditionally.
package telemetry
