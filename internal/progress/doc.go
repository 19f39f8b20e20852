// Package progress provides the event primitives, non-blocking hub, and emitter
// interface that the retrieval, discovery and lifecycle components use to report
// ingestion milestones. Events are batched on a background goroutine and fanned
// out to pluggable sinks such as Prometheus metrics or structured logs.
package progress
