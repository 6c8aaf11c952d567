// Package metric exposes module state in Prometheus format.
//
//   - prometheus.go: registry, HTTP request metrics and the /metrics handler
//   - collector.go: a Collector reading live tracker, trigger, allocator,
//     snapshot, monitor and export state at scrape time
package metric
