package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchRoundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_rounds_total", Help: "Dispatch rounds by outcome"},
		[]string{"outcome"},
	)
	DispatchRoundLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_round_latency_seconds", Help: "Dispatch round latency seconds"})
	OffersIssuedTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_issued_total", Help: "Total number of offers issued"})
	DeclinesTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_declines_total", Help: "Total number of declined offers"})
	AcceptsTotal         = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Accept attempts by result code"},
		[]string{"result"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	ReconcileCorrectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_corrections_total", Help: "Janitor corrections by sweep"},
		[]string{"sweep"},
	)
	ReconcileFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reconcile_failures_total", Help: "Per-document janitor failures"})
	ReconcileDuration      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "reconcile_duration_seconds", Help: "Janitor pass duration"})

	PaymentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_events_total", Help: "Payment notifications by kind and whether they were applied"},
		[]string{"kind", "applied"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
