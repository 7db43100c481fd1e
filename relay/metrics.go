package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "splitchat_relay_sessions",
		Help: "Number of open websocket sessions.",
	})
	savedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitchat_relay_messages_saved_total",
		Help: "Number of chat messages saved.",
	})
	archiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitchat_relay_archive_failures_total",
		Help: "Number of saved messages that could not be archived.",
	})
	rejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitchat_relay_frames_rejected_total",
		Help: "Number of client frames answered with an error.",
	}, []string{"event"})
)
