// Package api hosts the HTTP server, middleware and REST handlers of the
// render service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches and /v1/batches/{batch_id}/... for asynchronous
//     batch submission, status, results and cancellation.
//   - POST /v1/fetch for a synchronous fetch answered in the response body.
//   - GET /v1/progress and /v1/batches/{batch_id}/progress for live
//     per-URL progress from the in-memory tracker.
package api
