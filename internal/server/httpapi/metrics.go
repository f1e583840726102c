package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	feedSubscribers prometheus.Gauge
	rotations       *prometheus.CounterVec
	intrusions      prometheus.Counter
	destroyed       *prometheus.CounterVec
	joinsDenied     *prometheus.CounterVec
	messagessent    prometheus.Counter
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &apiMetrics{
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qsession_feed_subscribers",
			Help: "Currently attached change-feed subscribers.",
		}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsession_key_rotations_total",
			Help: "Key rotations grouped by trigger.",
		}, []string{"trigger"}),
		intrusions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsession_intrusions_total",
			Help: "Intrusion reports processed.",
		}),
		destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsession_sessions_destroyed_total",
			Help: "Sessions destroyed grouped by cause.",
		}, []string{"cause"}),
		joinsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsession_joins_denied_total",
			Help: "Denied join attempts grouped by reason.",
		}, []string{"reason"}),
		messagessent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsession_messages_sent_total",
			Help: "Messages accepted through the API.",
		}),
	}

	reg.MustRegister(
		m.feedSubscribers,
		m.rotations,
		m.intrusions,
		m.destroyed,
		m.joinsDenied,
		m.messagessent,
	)
	return m
}
