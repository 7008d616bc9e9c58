package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the control plane. A nil
// *Metrics is valid and records nothing, so wiring stays optional.
type Metrics struct {
	registry *prometheus.Registry

	serversCreated   prometheus.Counter
	serversDeleted   prometheus.Counter
	createRollbacks  prometheus.Counter
	daemonRequests   *prometheus.CounterVec
	daemonLatency    prometheus.Histogram
	powerActions     *prometheus.CounterVec
	cargoDownloads   prometheus.Counter
	nodesOnline      prometheus.Gauge
	placementFailure *prometheus.CounterVec
}

// NewMetrics builds a metric set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		serversCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "servers",
			Name:      "created_total",
			Help:      "Servers successfully created.",
		}),
		serversDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "servers",
			Name:      "deleted_total",
			Help:      "Servers deleted.",
		}),
		createRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "servers",
			Name:      "create_rollbacks_total",
			Help:      "Server creations rolled back after a daemon failure.",
		}),
		daemonRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "daemon",
			Name:      "requests_total",
			Help:      "Requests sent to node daemons by operation and outcome.",
		}, []string{"operation", "outcome"}),
		daemonLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gantry",
			Subsystem: "daemon",
			Name:      "request_seconds",
			Help:      "Node daemon request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		powerActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "servers",
			Name:      "power_actions_total",
			Help:      "Power actions dispatched by action.",
		}, []string{"action"}),
		cargoDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "cargo",
			Name:      "downloads_total",
			Help:      "Signed cargo downloads served.",
		}),
		nodesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Subsystem: "nodes",
			Name:      "online",
			Help:      "Nodes currently marked online.",
		}),
		placementFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Subsystem: "placement",
			Name:      "failures_total",
			Help:      "Placement attempts that found no target, by reason.",
		}, []string{"reason"}),
	}
	registry.MustRegister(
		m.serversCreated,
		m.serversDeleted,
		m.createRollbacks,
		m.daemonRequests,
		m.daemonLatency,
		m.powerActions,
		m.cargoDownloads,
		m.nodesOnline,
		m.placementFailure,
	)
	return m
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ServerCreated() {
	if m == nil {
		return
	}
	m.serversCreated.Inc()
}

func (m *Metrics) ServerDeleted() {
	if m == nil {
		return
	}
	m.serversDeleted.Inc()
}

func (m *Metrics) CreateRolledBack() {
	if m == nil {
		return
	}
	m.createRollbacks.Inc()
}

func (m *Metrics) DaemonRequest(operation string, err error, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.daemonRequests.WithLabelValues(operation, outcome).Inc()
	m.daemonLatency.Observe(seconds)
}

func (m *Metrics) PowerAction(action string) {
	if m == nil {
		return
	}
	m.powerActions.WithLabelValues(action).Inc()
}

func (m *Metrics) CargoDownload() {
	if m == nil {
		return
	}
	m.cargoDownloads.Inc()
}

func (m *Metrics) SetNodesOnline(n int) {
	if m == nil {
		return
	}
	m.nodesOnline.Set(float64(n))
}

func (m *Metrics) PlacementFailed(reason string) {
	if m == nil {
		return
	}
	m.placementFailure.WithLabelValues(reason).Inc()
}
