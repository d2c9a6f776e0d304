package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	OutboundEvents    *prometheus.CounterVec
	ProviderAttempts  *prometheus.CounterVec
	GenerationLatency prometheus.Histogram
	TurnLatency       prometheus.Histogram
	RetrievalResults  prometheus.Histogram
	UsageFeedDropped  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active dialogue sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Outbound realtime events by type and delivery result.",
		}, []string{"type", "result"}),
		ProviderAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Generation attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Latency of a single successful provider generation in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 30000},
		}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end latency of one dialogue turn in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 30000, 60000},
		}),
		RetrievalResults: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_results",
			Help:      "Number of retrieval hits attached per grounded turn.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		UsageFeedDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_feed_dropped_total",
			Help:      "Usage records dropped because the feed consumer lagged.",
		}),
	}
}

func (m *Metrics) ObserveGenerationLatency(d time.Duration) {
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnLatency(d time.Duration) {
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

// ObserveOutboundMessage records the delivery result of one realtime event.
func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	m.OutboundEvents.WithLabelValues(msgType, result).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
