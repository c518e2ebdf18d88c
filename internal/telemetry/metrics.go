package telemetry

import "github.com/prometheus/client_golang/prometheus"

var AdmissionDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "probemesh",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Total number of admission decisions by outcome.",
	},
	[]string{"outcome"},
)

var AdmissionQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "probemesh",
		Subsystem: "admission",
		Name:      "queue_depth",
		Help:      "Current number of tickets waiting in the priority queue.",
	},
)

var AdmissionQueueWaitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "probemesh",
		Subsystem: "admission",
		Name:      "queue_wait_seconds",
		Help:      "Observed wait duration for queued tickets before admission.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	},
)

var ActivePrincipalAccounts = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "probemesh",
		Subsystem: "admission",
		Name:      "active_principal_accounts",
		Help:      "Current number of tracked PrincipalAccount entries.",
	},
)

var NodesActiveTotal = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "probemesh",
		Subsystem: "nodefabric",
		Name:      "nodes_active",
		Help:      "Current number of probe nodes with an active session.",
	},
)

var NodeReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "probemesh",
		Subsystem: "nodefabric",
		Name:      "node_reconnects_total",
		Help:      "Total number of probe node reconnections.",
	},
)

var DispatchJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "probemesh",
		Subsystem: "dispatch",
		Name:      "jobs_total",
		Help:      "Total number of dispatched jobs by outcome.",
	},
	[]string{"outcome"},
)

var DispatchJobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "probemesh",
		Subsystem: "dispatch",
		Name:      "job_duration_seconds",
		Help:      "Dispatched job execution duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"tool"},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "probemesh",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Total number of operational notifications sent by type.",
	},
	[]string{"type"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "probemesh",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by method, route, and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// All returns all probemesh-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		AdmissionDecisionsTotal,
		AdmissionQueueDepth,
		AdmissionQueueWaitSeconds,
		ActivePrincipalAccounts,
		NodesActiveTotal,
		NodeReconnectsTotal,
		DispatchJobsTotal,
		DispatchJobDuration,
		NotificationsTotal,
		HTTPRequestDuration,
	}
}
