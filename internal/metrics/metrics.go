package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the Huddle relay.
type Metrics struct {
	ConnectionsTotal prometheus.Counter
	ActiveSessions   prometheus.Gauge
	ActiveRooms      prometheus.Gauge
	MessagesTotal    prometheus.Counter
	EventsTotal      *prometheus.CounterVec
	RejectionsTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "huddle_connections_total",
			Help: "Total client connections handled",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_sessions",
			Help: "Current connected sessions",
		}),
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_rooms",
			Help: "Current live rooms",
		}),
		MessagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "huddle_messages_total",
			Help: "Total messages relayed",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_events_total",
			Help: "Total events broadcast to room members",
		}, []string{"type"}),
		RejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_rejections_total",
			Help: "Total rejected commands",
		}, []string{"reason"}),
	}
}
