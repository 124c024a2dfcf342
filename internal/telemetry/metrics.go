package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ollamashield/ollamashield/internal/domain"
)

// Metrics contains the gateway's Prometheus collectors.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	scanVerdicts     *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec
	failOpenTotal    prometheus.Counter
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ollamashield_requests_total",
				Help: "Total requests handled, by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		scanVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ollamashield_scan_verdicts_total",
				Help: "Security scan verdicts, by direction and action",
			},
			[]string{"direction", "action"},
		),

		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ollamashield_scan_duration_seconds",
				Help:    "Latency of security scan calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"direction"},
		),

		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ollamashield_upstream_duration_seconds",
				Help:    "Latency of inference backend calls",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),

		failOpenTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ollamashield_fail_open_total",
				Help: "Requests allowed through despite a scanner failure",
			},
		),
	}
}

// RecordRequest counts a finished request.
func (m *Metrics) RecordRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordScan counts a verdict and observes the scan latency.
func (m *Metrics) RecordScan(direction domain.Direction, action string, duration time.Duration) {
	if m == nil {
		return
	}
	m.scanVerdicts.WithLabelValues(string(direction), action).Inc()
	m.scanDuration.WithLabelValues(string(direction)).Observe(duration.Seconds())
}

// RecordUpstream observes one backend call.
func (m *Metrics) RecordUpstream(endpoint string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFailOpen counts a degraded-mode passage.
func (m *Metrics) RecordFailOpen() {
	if m == nil {
		return
	}
	m.failOpenTotal.Inc()
}
