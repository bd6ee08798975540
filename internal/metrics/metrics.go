// Package metrics registers the Node's Prometheus instruments. The teacher
// ships its own metrics package (geth's "metrics") that every subsystem
// feeds counters/gauges into; since this module cannot import geth's
// internal package, the same ambient habit is reproduced directly on
// prometheus/client_golang, already an (indirect) teacher dependency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TasksOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "node", Subsystem: "sync", Name: "tasks_outstanding",
		Help: "Number of header/body tasks currently tracked by the scheduler.",
	})
	TasksUnassigned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "node", Subsystem: "sync", Name: "tasks_unassigned",
		Help: "Number of tasks not currently owned by any peer.",
	})
	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "node", Subsystem: "peer", Name: "connected",
		Help: "Number of live peer sessions.",
	})
	PeersBanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "node", Subsystem: "peer", Name: "banned_total",
		Help: "Total peer identities banned.",
	})
	TxPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "node", Subsystem: "txpool", Name: "size",
		Help: "Number of transactions currently held in the pool.",
	})
	WantedTxOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "node", Subsystem: "txrelay", Name: "wanted_outstanding",
		Help: "Number of transactions currently awaited via WantedTx.",
	})
	MinedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "node", Subsystem: "miner", Name: "blocks_total",
		Help: "Total blocks successfully mined and accepted.",
	})
	MacroblocksBuilt = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "node", Subsystem: "compressor", Name: "macroblocks_total",
		Help: "Total macroblocks successfully aggregated.",
	})
	BeaconPeersLearned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "node", Subsystem: "beacon", Name: "peers_learned_total",
		Help: "Total candidate peers learned from beacon datagrams.",
	})
)

func init() {
	prometheus.MustRegister(
		TasksOutstanding, TasksUnassigned,
		PeersConnected, PeersBanned,
		TxPoolSize, WantedTxOutstanding,
		MinedBlocks, MacroblocksBuilt,
		BeaconPeersLearned,
	)
}
