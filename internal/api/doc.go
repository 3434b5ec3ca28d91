// Package api hosts the HTTP server, middleware, and handlers for pagesnap
// serve. Notable routes:
//   - POST /v1/crawl renders one URL, optionally with a screenshot.
//   - POST /crawl speaks the remote delegate wire contract.
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
package api
