// Package api hosts the ops HTTP server. Notable routes:
//   - GET /healthz and /readyz for orchestrator health checks; readyz round-trips the task store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/queue/stats for pending/claimed/done/failed counts.
//   - GET /v1/tasks/{task_id} for one task and its parent chain.
//   - POST /v1/seeds to enqueue root tasks.
package api
