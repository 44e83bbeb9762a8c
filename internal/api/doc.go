// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/harvests to queue one run per query.
//   - GET /v1/harvests and /v1/harvests/{run_id} for run progress via the
//     store.RunRepository interface.
package api
