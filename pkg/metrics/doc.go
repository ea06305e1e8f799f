// Package metrics exposes Prometheus collectors, a timing helper, and
// the HTTP endpoint serving /metrics and /health.
package metrics
