/*
Package metrics provides Prometheus instrumentation and a small HTTP health
surface for the runtime's master process.

Metrics are registered at package init and exposed via Handler for
scraping; Collector periodically samples the Worker Registry into gauges
the same way the teacher's Collector sampled its manager. HealthChecker
tracks named component health (e.g. the Spawn Engine's reverse-handshake
listener) and exposes /health, /ready, and /live handlers in the same
shape the teacher's health.go used for its manager API.

Adapted from cuemby/warren's pkg/metrics: the container/Raft/ingress
metric set is replaced with a worker/connection/RPC/heartbeat set scoped
to this module's domain.
*/
package metrics
