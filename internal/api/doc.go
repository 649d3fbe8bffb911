// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to enqueue a crawl, GET /v1/jobs[/{job_id}] to inspect jobs,
//     POST /v1/jobs/{job_id}/cancel to stop a running crawl.
//   - GET /v1/crawlers for the live fleet registry.
package api
