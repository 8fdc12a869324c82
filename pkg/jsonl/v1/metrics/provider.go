package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider gives access to the registry holding the emitter and sink
// collectors, so callers can expose them however they like.
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing jsonl metrics.
	Registry() *prometheus.Registry
}
