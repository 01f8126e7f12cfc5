package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the boop server. A nil *Metrics
// is valid and records nothing, so tests can run without a registry.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsClosed *prometheus.CounterVec

	// Admission metrics
	BoopsAdmitted prometheus.Counter
	BoopsRejected *prometheus.CounterVec
	InvalidFrames prometheus.Counter

	// Store sync metrics
	SyncFailures *prometheus.CounterVec

	// Janitor metrics
	JanitorRemovals prometheus.Counter
	JanitorSweeps   prometheus.Counter
}

// New creates and registers all Prometheus metrics
func New() *Metrics {
	return &Metrics{
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "boop_sessions_active",
			Help: "Number of live client sessions",
		}),

		SessionsClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boop_sessions_closed_total",
				Help: "Sessions closed, labelled by close code",
			},
			[]string{"code"},
		),

		BoopsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "boop_boops_admitted_total",
			Help: "Boops admitted across all sessions",
		}),

		BoopsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boop_boops_rejected_total",
				Help: "Boops rejected, labelled by reason",
			},
			[]string{"reason"}, // reason: cooldown, bpm, bph
		),

		InvalidFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "boop_invalid_frames_total",
			Help: "Inbound frames that failed to decode",
		}),

		SyncFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boop_sync_failures_total",
				Help: "Store write failures, labelled by operation",
			},
			[]string{"op"}, // op: gbc, bph
		),

		JanitorRemovals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "boop_janitor_removals_total",
			Help: "Stale or malformed ledger entries removed by the janitor",
		}),

		JanitorSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "boop_janitor_sweeps_total",
			Help: "Completed janitor sweeps",
		}),
	}
}

// RecordSessionOpened increments the live session gauge
func (m *Metrics) RecordSessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionClosed decrements the gauge and counts the close code
func (m *Metrics) RecordSessionClosed(code string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(code).Inc()
}

// RecordBoopAdmitted counts an admitted boop
func (m *Metrics) RecordBoopAdmitted() {
	if m == nil {
		return
	}
	m.BoopsAdmitted.Inc()
}

// RecordBoopRejected counts a rejected boop by reason
func (m *Metrics) RecordBoopRejected(reason string) {
	if m == nil {
		return
	}
	m.BoopsRejected.WithLabelValues(reason).Inc()
}

// RecordInvalidFrame counts a frame that failed to decode
func (m *Metrics) RecordInvalidFrame() {
	if m == nil {
		return
	}
	m.InvalidFrames.Inc()
}

// RecordSyncFailure counts a failed store write by operation
func (m *Metrics) RecordSyncFailure(op string) {
	if m == nil {
		return
	}
	m.SyncFailures.WithLabelValues(op).Inc()
}

// RecordJanitorSweep counts a completed sweep and its removals
func (m *Metrics) RecordJanitorSweep(removed int) {
	if m == nil {
		return
	}
	m.JanitorSweeps.Inc()
	m.JanitorRemovals.Add(float64(removed))
}
