// Package observability instruments the driver with metrics, logs,
// traces, a per-session debug timeline, and an opt-in diagnostic
// event stream.
//
// Metrics are Prometheus collectors (see Metrics) covering iteration
// throughput and latency per role, analyzer confidence and quality
// distributions, dual-agent handoffs and quality-gate outcomes,
// observer pool occupancy and backpressure drops, backend errors by
// kind, and journal write latency. NewMetrics registers against the
// default registry and must run once per process.
//
// Logging (see Logger) is built on log/slog: JSON or text output,
// secret redaction applied to every message and value before it is
// written, and the driver's correlation IDs (session, iteration,
// observer connection, role) extracted from context into each record.
//
// Tracing (see Tracer) emits one OTLP span per backend iteration and
// one per observer admission handshake. Without a configured
// collector endpoint the tracer is a no-op.
//
// The timeline (see MemoryEventStore, BuildTimeline) is a bounded
// in-memory record of a session's lifecycle events for debugging; the
// session journal remains the durable source of truth.
//
// Diagnostics (see SetDiagnosticsEnabled, OnDiagnosticEvent) is a
// process-wide listener stream of fine-grained internals: admission
// handling, hook queue depths, observer queue movement, iteration
// retries, and backend token usage. It is off by default and costs
// one atomic load per call site when disabled.
package observability
