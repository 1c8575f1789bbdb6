// Package metrics registers the Prometheus counters exported by
// both ends of the tunnel.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PollsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "client",
		Name:      "polls_sent_total",
		Help:      "DNS poll queries sent, by resolver.",
	}, []string{"resolver", "mode"})

	PollsDemandRefilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "client",
		Name:      "poll_demand_refills_total",
		Help:      "Times pending_polls was incremented by demand-refill on a response.",
	}, []string{"resolver"})

	ResponsesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "client",
		Name:      "responses_received_total",
		Help:      "DNS responses received, by resolver and whether a payload was present.",
	}, []string{"resolver", "has_payload"})

	ResetsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipstream",
		Name:      "stream_resets_total",
		Help:      "RESET_STREAM / STOP_SENDING issued, by app error code.",
	}, []string{"code"})

	FallbackForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "server",
		Name:      "fallback_packets_forwarded_total",
		Help:      "Non-DNS UDP datagrams forwarded to the fallback endpoint.",
	})

	FallbackDemotions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "server",
		Name:      "fallback_demotions_total",
		Help:      "Peers demoted from DNS-classified to fallback after the non-DNS streak threshold.",
	})

	IdleConnectionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "server",
		Name:      "idle_connections_evicted_total",
		Help:      "Connections evicted by the idle-connection GC sweep.",
	})

	QueueOverflows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipstream",
		Subsystem: "flowcontrol",
		Name:      "queue_overflows_total",
		Help:      "Per-stream queue cap overflows that triggered STOP_SENDING + discard.",
	}, []string{"side"})
)

// Registry is a dedicated Prometheus registry (rather than the global
// default) so a binary that embeds this package more than once in tests
// does not panic on duplicate registration.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		PollsSent,
		PollsDemandRefilled,
		ResponsesReceived,
		ResetsIssued,
		FallbackForwarded,
		FallbackDemotions,
		IdleConnectionsEvicted,
		QueueOverflows,
	)
	return r
}
