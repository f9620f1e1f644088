package metagraph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_metagraph_sync_runs_total",
		Help: "Metagraph sync passes, by outcome.",
	}, []string{"outcome"})
	knownMiners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "validator_metagraph_known_miners",
		Help: "Miners currently known from the metagraph.",
	})
	minerAddressChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_metagraph_miner_address_changes_total",
		Help: "Miner axon address changes observed between syncs.",
	})
	backfilledBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_allowance_backfill_blocks_total",
		Help: "Blocks credited by the background allowance backfill.",
	})
)
