package telemetry

import "github.com/prometheus/client_golang/prometheus"

// NewMetricsRegistry creates a Prometheus registry carrying the Go/process
// collectors plus every metric in extra.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	reg.MustRegister(extra...)
	return reg
}
