package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuswatch_ingest_total",
		Help: "Location reports accepted, by transport",
	}, []string{"transport"})
	IngestRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuswatch_ingest_rejected_total",
		Help: "Location reports rejected, by transport and reason",
	}, []string{"transport", "reason"})
	PresenceRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campuswatch_presence_records",
		Help: "Records currently held in the presence store",
	})
	PresencePrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campuswatch_presence_pruned_total",
		Help: "Stale presence records dropped by the janitor",
	})
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campuswatch_subscribers",
		Help: "Currently registered live-update subscribers",
	})
	StreamsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "campuswatch_streams_active",
		Help: "Open streaming connections, by transport",
	}, []string{"transport"})
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campuswatch_deliveries_total",
		Help: "Events handed to subscribers",
	})
	DeliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campuswatch_delivery_failures_total",
		Help: "Events a subscriber failed to accept",
	})
	RelayPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campuswatch_relay_published_total",
		Help: "Location events forwarded to the cross-process relay",
	})
	RelayReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campuswatch_relay_received_total",
		Help: "Location events received from other instances",
	})
	RelayErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campuswatch_relay_errors_total",
		Help: "Relay failures, by stage",
	}, []string{"stage"})
	HTTPDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campuswatch_http_duration_ms",
		Help:    "Request duration in milliseconds (streams excluded)",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"method", "status"})
)

func init() {
	prometheus.MustRegister(IngestTotal)
	prometheus.MustRegister(IngestRejectedTotal)
	prometheus.MustRegister(PresenceRecords)
	prometheus.MustRegister(PresencePrunedTotal)
	prometheus.MustRegister(Subscribers)
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryFailuresTotal)
	prometheus.MustRegister(RelayPublishedTotal)
	prometheus.MustRegister(RelayReceivedTotal)
	prometheus.MustRegister(RelayErrorsTotal)
	prometheus.MustRegister(HTTPDurationMs)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }
