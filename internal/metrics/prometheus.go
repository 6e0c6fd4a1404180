package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of the voice gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Dispatch metrics
	DispatchRequests *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Poll metrics
	PollOutcomes *prometheus.CounterVec
	PollProbes   prometheus.Counter

	// Capture metrics
	CaptureStarts *prometheus.CounterVec

	// Session metrics
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DispatchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_dispatch_requests_total",
			Help: "Total number of backend requests by call and outcome",
		}, []string{"call", "outcome"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_dispatch_duration_seconds",
			Help:    "Backend round trip time by call",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"call"}),
		PollOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_poll_outcomes_total",
			Help: "Resolved audio readiness polls by outcome",
		}, []string{"outcome"}),
		PollProbes: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_poll_probes_total",
			Help: "Total number of artifact existence probes",
		}),
		CaptureStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_capture_starts_total",
			Help: "Capture start attempts by variant and outcome",
		}, []string{"variant", "outcome"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_sessions",
			Help: "Number of live conversation sessions",
		}),
	}
}

func (m *Metrics) ObserveDispatch(call, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.DispatchRequests.WithLabelValues(call, outcome).Inc()
	m.DispatchDuration.WithLabelValues(call).Observe(took.Seconds())
}

func (m *Metrics) ObservePollOutcome(outcome string) {
	if m == nil {
		return
	}
	m.PollOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProbe() {
	if m == nil {
		return
	}
	m.PollProbes.Inc()
}

func (m *Metrics) ObserveCaptureStart(variant, outcome string) {
	if m == nil {
		return
	}
	m.CaptureStarts.WithLabelValues(variant, outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
