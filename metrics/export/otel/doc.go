// Package otel publishes gatekeeper counters as OpenTelemetry observable
// instruments.
//
// Related counters share one instrument and differ by attribute, so the
// login family reports gatekeeper.login{outcome="failure"} rather than a
// separate series name. One callback reads Engine.MetricsSnapshot per
// collection cycle. Callers own the MeterProvider and pass in a Meter.
package otel
