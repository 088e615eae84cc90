// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RelayDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coauthor_relay_delivered_total",
		Help: "Frames successfully delivered to subscribers.",
	})

	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coauthor_relay_dropped_total",
		Help: "Frame deliveries that failed and scheduled a subscriber eviction.",
	})

	SavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coauthor_snapshot_saves_total",
		Help: "Successful snapshot persists.",
	})

	SaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coauthor_snapshot_save_failures_total",
		Help: "Snapshot persists that failed after retry.",
	})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coauthor_agent_queries_total",
		Help: "Agent queries by terminal state.",
	}, []string{"state"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coauthor_active_sessions",
		Help: "Document sessions currently active.",
	})
)
