// Package api hosts the operator HTTP server for a running crawl:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the live worker pool summary.
//   - GET /v1/outcomes?status=&limit=&offset= for recent outcomes, newest first.
package api
