// Package telemetry wires OpenTelemetry tracing and metrics for the
// context engine.
//
// Components obtain tracers through otel.Tracer and meters through
// otel.Meter; New installs OTLP-backed global providers when export is
// enabled and otherwise leaves the no-op defaults in place. Export
// failures degrade the instance instead of failing startup.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    export_interval: 15s
//
// Tests install a Recorder to capture spans and counters in memory.
package telemetry
