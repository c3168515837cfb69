// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes; readyz fails while job
//     persistence is unhealthy.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs, /v1/jobs/batch for submission; GET /v1/jobs/{job_id} and
//     /result for lookup; POST /v1/jobs/{job_id}/cancel; DELETE /v1/jobs to purge.
//   - GET /v1/stats and /v1/pool/stats for monitoring.
package api
