// Package api hosts the optional status server that runs alongside a crawl.
// Routes:
//   - GET /healthz and /readyz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for a JSON snapshot of the running crawl.
package api
