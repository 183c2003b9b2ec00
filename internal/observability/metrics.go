package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the daemon. A nil
// *Metrics is valid and records nothing, so library code never has to
// nil-check before counting.
type Metrics struct {
	SessionEvents     *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	OutboundChunks    *prometheus.CounterVec
	InboundEvents     *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
	HTTPRequests      *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Live session lifecycle events by type.",
		}, []string{"event"}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Session state machine transitions by target state.",
		}, []string{"state"}),
		OutboundChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_chunks_total",
			Help:      "Media chunks sent upstream by mime type.",
		}, []string{"mime"}),
		InboundEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Decoded server events by type, plus skipped frames.",
		}, []string{"type"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session start to the first model audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status class.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncStateTransition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) IncOutboundChunk(mime string) {
	if m == nil {
		return
	}
	m.OutboundChunks.WithLabelValues(mime).Inc()
}

func (m *Metrics) IncInboundEvent(eventType string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncHTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
