// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /v1/scrape runs one batch for a search term and returns its results.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
