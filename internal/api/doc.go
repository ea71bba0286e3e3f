// Package api hosts the operator HTTP server, middleware, and handlers.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{job}/run to start an orchestrated run in the background.
//   - GET /v1/jobs/{job}/last-run for the most recent run record.
//   - POST /v1/cache/clear to drop every cached response.
package api
