// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /api/webhook?jobId= receives the scraping provider callback.
//   - POST /v1/jobs creates and dispatches a job for the X-User-ID caller.
//   - GET /v1/jobs, /v1/jobs/{job_id} and /v1/snapshots/{snapshot_id} read
//     the caller's jobs.
//   - POST /v1/jobs/{job_id}/retry[/analysis|/full] and /fail drive retries
//     and manual failure.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
