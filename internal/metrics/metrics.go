// Package metrics wraps the Prometheus collectors for one shop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default histogram buckets for processing duration (seconds).
var brewBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Shop holds every collector the framework emits.
type Shop struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	ProcessedTotal     *prometheus.CounterVec
	MulticastSent      prometheus.Counter
	MulticastSendError prometheus.Counter
	MulticastReceived  prometheus.Counter
	SweepFulfillments  prometheus.Counter
	PurgedOrders       prometheus.Counter
	EmptyPolls         prometheus.Counter

	OutstandingTickets prometheus.GaugeFunc
	InflightBaristas   prometheus.Gauge

	BrewDuration    prometheus.Histogram
	RequestDuration *prometheus.HistogramVec
}

// New builds the collectors on a dedicated registry. outstanding reports the
// live orders-map size.
func New(namespace string, outstanding func() float64) *Shop {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Shop{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total",
			Help: "HTTP requests accepted by the waiter, by route.",
		}, []string{"route"}),
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "processed_total",
			Help: "Messages processed by the barista pool, by terminal status.",
		}, []string{"status"}),
		MulticastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "multicast_sent_total",
			Help: "Completion frames multicast by this shop.",
		}),
		MulticastSendError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "multicast_send_errors_total",
			Help: "Completion frames that failed to send.",
		}),
		MulticastReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "multicast_received_total",
			Help: "Finished-ticket frames received, including self-sent.",
		}),
		SweepFulfillments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_fulfillments_total",
			Help: "Orders fulfilled by the recovery sweep instead of multicast.",
		}),
		PurgedOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "purged_orders_total",
			Help: "Stale orders removed by the purge sweep.",
		}),
		EmptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_empty_polls_total",
			Help: "Long-polls that returned no message.",
		}),
		OutstandingTickets: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outstanding_tickets",
			Help: "Orders currently resident in the orders map.",
		}, outstanding),
		InflightBaristas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_baristas",
			Help: "Baristas currently processing a message.",
		}),
		BrewDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "brew_duration_seconds",
			Help:    "Processing function duration.",
			Buckets: brewBuckets,
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_seconds",
			Help:    "Waiter request duration, by route.",
			Buckets: brewBuckets,
		}, []string{"route"}),
	}

	registry.MustRegister(
		m.RequestsTotal, m.ProcessedTotal,
		m.MulticastSent, m.MulticastSendError, m.MulticastReceived,
		m.SweepFulfillments, m.PurgedOrders, m.EmptyPolls,
		m.OutstandingTickets, m.InflightBaristas,
		m.BrewDuration, m.RequestDuration,
	)
	return m
}

// Handler exposes the registry for the waiter's /metrics route.
func (m *Shop) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
