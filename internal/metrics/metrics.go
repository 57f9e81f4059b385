package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Live websocket connections.",
	})

	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_routed_total",
		Help: "Messages accepted by the router, by origin path.",
	}, []string{"path"})

	MessagesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_deduped_total",
		Help: "Inserts that matched an existing (sender, recipient, ts) record.",
	})

	FanoutFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_frames_total",
		Help: "Frames delivered to subscribed connections.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Frames rejected by the rate guard, by limiter.",
	}, []string{"limiter"})

	AuthOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_auth_total",
		Help: "Authentication outcomes.",
	}, []string{"outcome"})

	ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_reconcile_cycles_total",
		Help: "Ledger reconciliation cycles, by result.",
	}, []string{"result"})

	ReconcileHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_reconcile_height",
		Help: "Last ledger height fully merged into the store.",
	})
)
