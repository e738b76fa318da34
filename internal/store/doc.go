// Package store defines interfaces for persisting cycle runs and per-target
// statistics. Implementations live in other packages; this package must not
// import database drivers or concrete clients.
package store
