package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "service_requests_total", Help: "Service requests created, by type"},
		[]string{"service_type"},
	)
	Assignments        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "assignments_total", Help: "Successful mechanic assignments"})
	EmergencyAlerts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "emergency_alerts_total", Help: "Emergency alerts raised"})
	MechanicsAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "roadside_dispatch", Name: "mechanics_available", Help: "Mechanics currently marked available"})
	NotifyFailures     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "notify_failures_total", Help: "Best-effort notification failures, by channel"},
		[]string{"channel"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roadside_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
