package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_turns_total",
		Help: "Completed turns by outcome.",
	}, []string{"status"})

	toolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_tool_executions_total",
		Help: "Tool executions by tool name.",
	}, []string{"tool"})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tether_turn_duration_seconds",
		Help:    "Wall-clock duration of completed turns.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_active_sessions",
		Help: "Sessions currently registered.",
	})
)
