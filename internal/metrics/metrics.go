// Package metrics exposes the Prometheus counters and gauges referenced
// by spec §8's observability requirements (P8 network isolation, round
// outcomes, peer churn).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// IncompatibleNetworkRejections counts handshakes aborted because the
	// remote peer advertised a different network id (spec §4.8, P8).
	IncompatibleNetworkRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poaip",
		Name:      "incompatible_network_rejections_total",
		Help:      "Handshakes rejected due to a network id mismatch.",
	})

	// RoundsCommitted counts consensus rounds that reached Committed.
	RoundsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poaip",
		Name:      "consensus_rounds_committed_total",
		Help:      "Consensus rounds that committed a block.",
	})

	// RoundsAborted counts consensus rounds that reached Aborted.
	RoundsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poaip",
		Name:      "consensus_rounds_aborted_total",
		Help:      "Consensus rounds that aborted (timeout or reject supermajority).",
	})

	// ConnectedPeers is the current size of the connected peer set.
	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poaip",
		Name:      "connected_peers",
		Help:      "Current number of Connected peer entries.",
	})

	// PoolSize is the current number of pending transactions.
	PoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poaip",
		Name:      "mempool_size",
		Help:      "Current number of transactions held in the pool.",
	})

	// ChainHeight is the current committed chain height.
	ChainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "poaip",
		Name:      "chain_height",
		Help:      "Height of the most recently committed block.",
	})

	// GossipDuplicatesDropped counts messages dropped by the gossip
	// dedup cache because they'd already been forwarded once.
	GossipDuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "poaip",
		Name:      "gossip_duplicates_dropped_total",
		Help:      "Gossip messages dropped as already-seen duplicates.",
	})
)

func init() {
	prometheus.MustRegister(
		IncompatibleNetworkRejections,
		RoundsCommitted,
		RoundsAborted,
		ConnectedPeers,
		PoolSize,
		ChainHeight,
		GossipDuplicatesDropped,
	)
}
