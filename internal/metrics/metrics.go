// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relay latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	FetchErrors       *prometheus.CounterVec
	WorkersBusy       prometheus.Gauge

	PeersConnected prometheus.Gauge
	PeerMessages   *prometheus.CounterVec

	// knownPrefixes bounds the path_prefix label.
	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. mount is the relay prefix, reported as its own path label.
func New(mount string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_proxy_upstream_request_duration_seconds",
			Help:    "Upstream fetch latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_fetch_errors_total",
			Help: "Failed upstream fetches by cause.",
		}, []string{"kind"}),

		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_fetch_workers_busy",
			Help: "Fetch workers currently holding a concurrency slot.",
		}),

		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_proxy_realtime_peers",
			Help: "Open WebSocket peers in the broadcast set.",
		}),

		PeerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_proxy_realtime_deliveries_total",
			Help: "Per-peer broadcast outcomes.",
		}, []string{"outcome"}),

		knownPrefixes: []string{"/prefix", "/storage", "/healthz", "/proxy/status", "/metrics"},
	}

	if mount = strings.TrimSuffix(mount, "/"); mount != "" {
		m.knownPrefixes = append([]string{mount}, m.knownPrefixes...)
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.FetchErrors,
		m.WorkersBusy,
		m.PeersConnected,
		m.PeerMessages,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics.
// Relayed target URLs never leak into labels: everything under the mount
// collapses to the mount itself.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
