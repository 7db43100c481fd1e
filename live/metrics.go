package live

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "splitchat",
		Subsystem: "live",
		Name:      "connect_attempts_total",
		Help:      "Websocket dial attempts.",
	})
	connectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "splitchat",
		Subsystem: "live",
		Name:      "connect_failures_total",
		Help:      "Websocket dial attempts that failed.",
	})
	inboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "splitchat",
		Subsystem: "live",
		Name:      "inbound_events_total",
		Help:      "Inbound frames by decoded event kind.",
	}, []string{"event"})
)
