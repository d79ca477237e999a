// Package progress provides the event primitives, non-blocking hub and
// emitter interfaces that batch workers use to report fetch progress. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, structured logs or the live tracker.
package progress
