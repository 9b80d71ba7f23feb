// Package metrics exposes the prometheus collectors shared by server and
// client, following the counters/gauges layout of the teacher's
// internal/single/monitoring/metrics.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector this module registers. A single Registry
// is created per process (server or client) and handed a
// *prometheus.Registry to register into, rather than using the global
// default registry, so tests can use isolated registries.
type Registry struct {
	DepthFramesCompressed prometheus.Counter
	DepthFramesDropped    prometheus.Counter
	InFlightFrames        prometheus.Gauge
	ControlRequestsServed *prometheus.CounterVec
	ControlErrors         prometheus.Counter
	DiscoveryServersAdded prometheus.Counter
	DiscoveryServersGone  prometheus.Counter
	ClientReconnects      prometheus.Counter
	ClientRequestTimeouts prometheus.Counter
	CPUPercent            prometheus.Gauge
	RSSBytes              prometheus.Gauge
}

// New creates and registers a Registry's collectors into reg.
func New(reg prometheus.Registerer, namespace string) *Registry {
	m := &Registry{
		DepthFramesCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "depth_frames_compressed_total",
			Help: "Depth frames successfully compressed and emitted.",
		}),
		DepthFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "depth_frames_dropped_total",
			Help: "Depth frames dropped because MAX_IN_FLIGHT was reached.",
		}),
		InFlightFrames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "depth_frames_in_flight",
			Help: "Depth frames submitted to the compression pipeline but not yet emitted.",
		}),
		ControlRequestsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_requests_served_total",
			Help: "Control requests served, by request tag.",
		}, []string{"tag"}),
		ControlErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "control_errors_total",
			Help: "Control requests answered with an error reply.",
		}),
		DiscoveryServersAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "discovery_servers_added_total",
			Help: "on_add_server events emitted by the browser.",
		}),
		DiscoveryServersGone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "discovery_servers_removed_total",
			Help: "on_remove_server events emitted by the browser.",
		}),
		ClientReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_reconnects_total",
			Help: "Times the client recreated its request socket after a timeout.",
		}),
		ClientRequestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "client_request_timeouts_total",
			Help: "Per-attempt request timeouts observed by the client.",
		}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_cpu_percent",
			Help: "Most recent CPU usage sample.",
		}),
		RSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_rss_bytes",
			Help: "Most recent resident set size sample.",
		}),
	}

	reg.MustRegister(
		m.DepthFramesCompressed, m.DepthFramesDropped, m.InFlightFrames,
		m.ControlRequestsServed, m.ControlErrors,
		m.DiscoveryServersAdded, m.DiscoveryServersGone,
		m.ClientReconnects, m.ClientRequestTimeouts,
		m.CPUPercent, m.RSSBytes,
	)
	return m
}
