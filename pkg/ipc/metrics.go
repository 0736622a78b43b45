package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Name:      "sessions_active_total",
		Help:      "Number of live terminal sessions.",
	})
	metricTerminalConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Name:      "terminal_connections_total",
		Help:      "Number of open terminal websocket connections.",
	})
	metricEventConns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "skiff",
		Name:      "event_connections_total",
		Help:      "Number of open event stream websocket connections.",
	})
	metricUserMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "skiff",
		Name:      "user_messages_total",
		Help:      "Total user messages delivered to the agent.",
	})
	metricSafetyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "skiff",
		Name:      "safety_decisions_total",
		Help:      "Safety gate approvals and rejections.",
	}, []string{"decision"})
)
