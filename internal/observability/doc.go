// Package observability provides structured logging, metrics, and tracing
// for the model gateway.
//
// This package implements:
//   - A context-aware Logger over zap that carries the request ID
//   - Prometheus collectors for dispatch attempts, circuit state, endpoint
//     weights and canary verdicts
//   - OpenTelemetry tracer setup with an optional OTLP/HTTP exporter
//
// The dispatch counters and latency histogram are also the series the
// canary metrics provider queries back, so their names and labels are part
// of the contract with services/metrics.
package observability
