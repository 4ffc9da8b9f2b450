// Package telemetry sets up OpenTelemetry tracing and metrics for codeloop.
//
// Telemetry is off by default. When enabled, spans and metrics are exported
// over OTLP using either gRPC or HTTP/protobuf. Exporter failures degrade the
// instance instead of failing startup; Tracer and Meter then fall back to the
// global no-op providers.
package telemetry
