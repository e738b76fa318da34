// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status and /v1/results for the live cycle view.
//   - POST /v1/cycles, PUT /v1/keywords and POST /v1/targets to drive the
//     controller.
//   - GET /v1/runs and /v1/runs/{cycle_id}/targets for cycle history via the
//     CycleRepository interface.
package api
