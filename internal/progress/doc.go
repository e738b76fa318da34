// Package progress defines the scan events emitted by the controller and its
// workers, plus a non-blocking hub that batches them on a background goroutine
// and fans them out to pluggable sinks (logs, Prometheus, the cycle store,
// Pub/Sub).
package progress
