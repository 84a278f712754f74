package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors shared by the stream core.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	MessagesReceived  prometheus.Counter
	MalformedDropped  prometheus.Counter

	AlertsIngested       *prometheus.CounterVec
	BufferedAlerts       prometheus.Gauge
	SummaryRefreshes     *prometheus.CounterVec
	NotificationsRaised  *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
}

// New registers collectors on reg. A nil reg gets a private registry so
// callers and tests never collide on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "threatwatch_connection_state",
			Help: "Push connection state (0=connecting, 1=connected, 2=disconnected, 3=closed).",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_reconnect_attempts_total",
			Help: "Scheduled reconnection attempts.",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_messages_received_total",
			Help: "Raw push messages received.",
		}),
		MalformedDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_malformed_dropped_total",
			Help: "Push messages dropped because they could not be parsed.",
		}),
		AlertsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_alerts_ingested_total",
			Help: "Alerts applied to the store by severity.",
		}, []string{"severity"}),
		BufferedAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "threatwatch_buffered_alerts",
			Help: "Alerts currently held in the bounded buffer.",
		}),
		SummaryRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_summary_refreshes_total",
			Help: "Summary refresh outcomes (applied, stale, failed, discarded).",
		}, []string{"result"}),
		NotificationsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_notifications_total",
			Help: "Notifications handed to the sink by tier.",
		}, []string{"tier"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_notifications_dropped_total",
			Help: "Notifications dropped because the sink queue was full or shutting down.",
		}),
	}
}
