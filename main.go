// The main package for the tgscan executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, status, results,
//     keyword and target updates and cycle history.
//   - Controller: internal/controller runs one cycle at a time. A cycle
//     snapshots the watchlist, resolves targets (bespoke plus listing pages),
//     writes the target list, and drains one fetch-and-scan task per target on
//     a bounded pool.
//   - Persistence: matches are written through to the configured match logs
//     (local file, memory, Postgres, SQLite) before they become visible in
//     status. Finished cycles are archived to GCS or a local directory.
//   - Progress: cycle and target events flow through a buffered hub to log,
//     Prometheus, cycle-run store and Pub/Sub sinks.
//
// Run locally: go run . serve --config config.yaml, or go run . scan.
package main

import (
	"github.com/JakeFAU/tgscan/cmd"
)

func main() {
	cmd.Execute()
}
