// Package metrics exposes Prometheus metrics for monitoring.
//
// Key metrics:
//   - per-connection frame/packet/byte/error counters
//   - drop counts from the bounded broadcasts
//   - reconnect counts and connection health
//   - subscription gauges per connection
package metrics
