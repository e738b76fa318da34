// Package sinks implements concrete progress consumers: structured logging,
// Prometheus counters, the cycle run repository and a Pub/Sub forwarder. Each
// sink satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
