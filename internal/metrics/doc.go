// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Router dispatches per shard, publish failures, rejected ingress
//   - Aggregator outcomes per shard, alerts, processing latency
//   - Dispatcher open connections, deliveries, heartbeat evictions
package metrics
