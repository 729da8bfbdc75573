package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors. Each instance owns its registry
// so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ReportsAccepted  *prometheus.CounterVec
	ReportsRejected  *prometheus.CounterVec
	StoreErrors      prometheus.Counter
	StoreDropped     prometheus.Counter
	BroadcastDropped prometheus.Counter
	Subscribers      prometheus.Gauge
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
	AcceptLatency    prometheus.Histogram
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReportsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_accepted_total",
			Help: "Position reports accepted, by source label",
		}, []string{"source"}),
		ReportsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Position reports rejected before acceptance",
		}, []string{"transport", "reason"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tracker_store_errors_total",
			Help: "Failed Position Store writes",
		}),
		StoreDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tracker_store_dropped_total",
			Help: "Position Store writes dropped because the queue was full",
		}),
		BroadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcast_dropped_total",
			Help: "Subscribers dropped because they could not keep up",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_subscribers",
			Help: "Connected real-time subscribers",
		}),
		BrokerConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_broker_connected",
			Help: "1 while the broker bridge holds a subscription",
		}),
		BrokerReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broker_reconnects_total",
			Help: "Broker connection attempts after the first",
		}),
		AcceptLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_accept_latency_seconds",
			Help:    "Time spent in the accept path per update",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveAccept records the accept path latency since start.
func (m *Metrics) ObserveAccept(start time.Time) {
	m.AcceptLatency.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
