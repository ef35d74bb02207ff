package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const PmixAgentMetricsPrefix = "pmix_agent_"

var (
	ConnectionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: PmixAgentMetricsPrefix + "connections_accepted_total",
			Help: "Connections accepted per listening channel",
		},
		[]string{"channel"})

	AcceptErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: PmixAgentMetricsPrefix + "accept_errors_total",
			Help: "Non-transient accept failures per listening channel",
		},
		[]string{"channel"})

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    PmixAgentMetricsPrefix + "sweep_duration_seconds",
			Help:    "Cleanup sweep latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		})

	OperationsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: PmixAgentMetricsPrefix + "operations_expired_total",
			Help: "Pending operations expired past their deadline, by kind",
		},
		[]string{"kind"})

	AbortNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: PmixAgentMetricsPrefix + "abort_notifications_total",
			Help: "Abort notifications received on the abort channel",
		})

	TimerTicksCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: PmixAgentMetricsPrefix + "timer_ticks_coalesced_total",
			Help: "Timer ticks that were coalesced into a single sweep",
		})
)
