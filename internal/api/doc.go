// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - GET /healthz and /readyz for orchestrator probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape and /v1/discover for synchronous single-site work.
//   - POST /v1/ingest to start a background ingest job.
//   - GET /v1/jobs/{job_id} and /v1/jobs/{job_id}/progress for job state.
package api
