// This file contains the Prometheus-backed MetricsCollector implementation.
package gridsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type prometheusMetrics struct {
	connectionsOpened  prometheus.Counter
	connectionsClosed  prometheus.Counter
	connectionDuration prometheus.Histogram
	roomJoins          *prometheus.CounterVec
	roomLeaves         *prometheus.CounterVec
	eventsRelayed      *prometheus.CounterVec
	relayRecipients    prometheus.Histogram
	savesApplied       prometheus.Counter
	saveConflicts      prometheus.Counter
	saveSkipped        prometheus.Counter
	errors             *prometheus.CounterVec
}

// NewPrometheusMetrics returns a MetricsCollector that exports counters and
// histograms through the given registerer. Pass prometheus.DefaultRegisterer
// to publish on the default /metrics handler.
func NewPrometheusMetrics(reg prometheus.Registerer) MetricsCollector {
	m := &prometheusMetrics{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_connections_opened_total",
			Help: "Number of authenticated gateway connections opened.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_connections_closed_total",
			Help: "Number of gateway connections closed.",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridsync_connection_duration_seconds",
			Help:    "Lifetime of closed gateway connections.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		roomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_room_joins_total",
			Help: "Number of file room joins.",
		}, []string{"file"}),
		roomLeaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_room_leaves_total",
			Help: "Number of file room leaves.",
		}, []string{"file"}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_events_relayed_total",
			Help: "Number of events relayed to room members.",
		}, []string{"event"}),
		relayRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridsync_relay_recipients",
			Help:    "Recipient count per relayed event.",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),
		savesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_save_changes_applied_total",
			Help: "Number of cell changes applied by reconciled saves.",
		}),
		saveConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_save_conflicts_total",
			Help: "Number of cell changes applied despite a stale oldValue.",
		}),
		saveSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridsync_save_changes_skipped_total",
			Help: "Number of cell changes whose row or column was not found.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridsync_errors_total",
			Help: "Errors observed per component.",
		}, []string{"component"}),
	}

	reg.MustRegister(
		m.connectionsOpened,
		m.connectionsClosed,
		m.connectionDuration,
		m.roomJoins,
		m.roomLeaves,
		m.eventsRelayed,
		m.relayRecipients,
		m.savesApplied,
		m.saveConflicts,
		m.saveSkipped,
		m.errors,
	)

	return m
}

func (m *prometheusMetrics) ConnectionOpened(connID string) {
	m.connectionsOpened.Inc()
}

func (m *prometheusMetrics) ConnectionClosed(connID string, duration time.Duration) {
	m.connectionsClosed.Inc()

	m.connectionDuration.Observe(duration.Seconds())
}

func (m *prometheusMetrics) RoomJoined(userID string, fileId string) {
	m.roomJoins.WithLabelValues(fileId).Inc()
}

func (m *prometheusMetrics) RoomLeft(userID string, fileId string) {
	m.roomLeaves.WithLabelValues(fileId).Inc()
}

func (m *prometheusMetrics) EventRelayed(fileId string, event string, recipientCount int) {
	m.eventsRelayed.WithLabelValues(event).Inc()

	m.relayRecipients.Observe(float64(recipientCount))
}

func (m *prometheusMetrics) SaveApplied(fileId string, applied, conflicts, skipped int) {
	m.savesApplied.Add(float64(applied))

	m.saveConflicts.Add(float64(conflicts))

	m.saveSkipped.Add(float64(skipped))
}

func (m *prometheusMetrics) Error(component string, err error) {
	if err == nil {
		return
	}
	m.errors.WithLabelValues(component).Inc()
}
