package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the application's Prometheus collectors
type Metrics struct {
	// HTTP requests by method, route and status code
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP latency by method and route
	HTTPRequestDuration *prometheus.HistogramVec

	// Admission units by operation (create, cancel, modify, confirm_payment) and outcome
	// (success, replay, conflict, validation, not_found, concurrency, error)
	AdmissionTotal *prometheus.CounterVec

	// Time spent waiting for room locks, by lock kind (row, distributed)
	LockWaitDuration *prometheus.HistogramVec

	// Availability cache lookups by result (hit, miss, error)
	AvailabilityCacheTotal *prometheus.CounterVec

	// Payments processed by the worker by final status
	PaymentsProcessedTotal *prometheus.CounterVec
}

// New creates Metrics registered with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		AdmissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_total",
				Help: "Total number of admission units by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		LockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admission_lock_wait_seconds",
				Help:    "Time spent waiting for room locks",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"kind"},
		),
		AvailabilityCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "availability_cache_total",
				Help: "Availability cache lookups by result",
			},
			[]string{"result"},
		),
		PaymentsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_processed_total",
				Help: "Payments settled by the worker by resulting status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AdmissionTotal,
		m.LockWaitDuration,
		m.AvailabilityCacheTotal,
		m.PaymentsProcessedTotal,
	)

	return m
}

var defaultMetrics *Metrics

// Init creates the process-wide Metrics on the default registry
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

func Get() *Metrics {
	return defaultMetrics
}
