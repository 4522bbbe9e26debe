package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "energyflow"

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Router holds ingress router metrics.
type Router struct {
	Dispatched      *prometheus.CounterVec
	PublishFailures prometheus.Counter
	Rejected        prometheus.Counter
	Shards          prometheus.Gauge
}

// NewRouter registers router metrics on reg.
func NewRouter(reg prometheus.Registerer) *Router {
	m := &Router{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatched_total",
			Help:      "Measurements forwarded to a shard queue.",
		}, []string{"shard"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "publish_failures_total",
			Help:      "Shard publishes that failed and were requeued.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "rejected_total",
			Help:      "Ingress messages dropped as unparseable.",
		}),
		Shards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "shards",
			Help:      "Shards currently in the routing table.",
		}),
	}
	reg.MustRegister(m.Dispatched, m.PublishFailures, m.Rejected, m.Shards)
	return m
}

// Aggregator holds shard aggregator metrics.
type Aggregator struct {
	Outcomes *prometheus.CounterVec
	Alerts   prometheus.Counter
	Latency  prometheus.Histogram
}

// NewAggregator registers aggregator metrics on reg.
func NewAggregator(reg prometheus.Registerer) *Aggregator {
	m := &Aggregator{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "messages_total",
			Help:      "Measurements handled, by shard and disposition.",
		}, []string{"shard", "disposition"}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "alerts_total",
			Help:      "Overconsumption notifications published.",
		}),
		Latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "processing_seconds",
			Help:      "Time to process one measurement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(m.Outcomes, m.Alerts, m.Latency)
	return m
}

// Dispatcher holds notification dispatcher metrics.
type Dispatcher struct {
	Connections prometheus.Gauge
	Deliveries  *prometheus.CounterVec
	Dropped     prometheus.Counter
	Evictions   prometheus.Counter
}

// NewDispatcher registers dispatcher metrics on reg.
func NewDispatcher(reg prometheus.Registerer) *Dispatcher {
	m := &Dispatcher{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "deliveries_total",
			Help:      "Frames queued to sockets, by target kind.",
		}, []string{"target"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dropped_total",
			Help:      "Frames dropped because a socket's send buffer was full.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "heartbeat_evictions_total",
			Help:      "Connections terminated for missing a heartbeat.",
		}),
	}
	reg.MustRegister(m.Connections, m.Deliveries, m.Dropped, m.Evictions)
	return m
}
