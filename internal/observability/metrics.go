package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the engine.
type Metrics struct {
	ActiveGroupCalls   prometheus.Gauge
	ActivePeerSessions prometheus.Gauge
	OfferDecisions     *prometheus.CounterVec
	PeerEvents         *prometheus.CounterVec
	MembershipSyncs    prometheus.Counter
	RecordsPublished   *prometheus.CounterVec
	AnswerLatency      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveGroupCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_group_calls",
			Help:      "Number of group calls currently entered.",
		}),
		ActivePeerSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peer_sessions",
			Help:      "Number of live peer call sessions across all group calls.",
		}),
		OfferDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offer_decisions_total",
			Help:      "Incoming call offers by admission decision and reason.",
		}, []string{"decision", "reason"}),
		PeerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_events_total",
			Help:      "Peer transport events by type.",
		}, []string{"type"}),
		MembershipSyncs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_syncs_total",
			Help:      "Membership snapshot evaluations.",
		}),
		RecordsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_records_published_total",
			Help:      "Room state records published by record type.",
		}, []string{"record_type"}),
		AnswerLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_latency_ms",
			Help:      "Latency from invite sent to remote answer in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
}

func (m *Metrics) ObserveAnswerLatency(d time.Duration) {
	m.AnswerLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
