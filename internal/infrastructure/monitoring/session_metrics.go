package monitoring

import (
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionMetrics records matchmaking and session lifecycle events on the client.
type SessionMetrics struct {
	transitions      *prometheus.CounterVec
	attemptsFailed   *prometheus.CounterVec
	inboundRejected  *prometheus.CounterVec
	directoryQueries *prometheus.CounterVec
	candidates       prometheus.Histogram
	sessionDuration  prometheus.Histogram
}

var _ ports.SessionRecorder = (*SessionMetrics)(nil)

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &SessionMetrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_session_transitions_total",
			Help: "Session state transitions",
		}, []string{"from", "to"}),

		attemptsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_session_attempts_failed_total",
			Help: "Dial attempts that returned to searching",
		}, []string{"reason"}),

		inboundRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_session_inbound_rejected_total",
			Help: "Inbound connections closed on arrival",
		}, []string{"kind", "state"}),

		directoryQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_directory_queries_total",
			Help: "Directory queries by outcome",
		}, []string{"result"}),

		candidates: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairline_directory_candidates",
			Help:    "Eligible partners returned per directory query",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),

		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairline_session_duration_seconds",
			Help:    "Time spent connected to a partner",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *SessionMetrics) RecordTransition(from, to domain.StateKind) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *SessionMetrics) RecordDirectoryQuery(candidates int, err error) {
	switch {
	case err != nil:
		m.directoryQueries.WithLabelValues("error").Inc()
		return
	case candidates == 0:
		m.directoryQueries.WithLabelValues("empty").Inc()
	default:
		m.directoryQueries.WithLabelValues("ok").Inc()
	}
	m.candidates.Observe(float64(candidates))
}

func (m *SessionMetrics) RecordAttemptFailed(reason domain.FailureReason) {
	m.attemptsFailed.WithLabelValues(string(reason)).Inc()
}

func (m *SessionMetrics) RecordInboundRejected(kind domain.ConnKind, state domain.StateKind) {
	m.inboundRejected.WithLabelValues(string(kind), state.String()).Inc()
}

func (m *SessionMetrics) RecordSessionEnded(duration time.Duration) {
	m.sessionDuration.Observe(duration.Seconds())
}
