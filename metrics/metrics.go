// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the node's finality progress and vote traffic.
type Metrics struct {
	HeadBlockNum      prometheus.Gauge
	LastFinalBlockNum prometheus.Gauge
	ForkDBSize        prometheus.Gauge

	VotesProcessed *prometheus.CounterVec
	QcsSealed      *prometheus.CounterVec
	BlocksApplied  prometheus.Counter
	BlocksRejected prometheus.Counter
}

func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HeadBlockNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "savanna",
			Name:      "head_block_num",
			Help:      "Block number of the current best head.",
		}),
		LastFinalBlockNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "savanna",
			Name:      "last_final_block_num",
			Help:      "Block number of the last irreversible block.",
		}),
		ForkDBSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "savanna",
			Name:      "forkdb_blocks",
			Help:      "Number of block header states live in the fork database.",
		}),
		VotesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "savanna",
			Name:      "votes_processed_total",
			Help:      "Votes received, by processing outcome.",
		}, []string{"status"}),
		QcsSealed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "savanna",
			Name:      "qcs_sealed_total",
			Help:      "Quorum certificates sealed locally, by strength.",
		}, []string{"strength"}),
		BlocksApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "savanna",
			Name:      "blocks_applied_total",
			Help:      "Blocks validated and added to the fork database.",
		}),
		BlocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "savanna",
			Name:      "blocks_rejected_total",
			Help:      "Blocks rejected during validation.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.HeadBlockNum,
			m.LastFinalBlockNum,
			m.ForkDBSize,
			m.VotesProcessed,
			m.QcsSealed,
			m.BlocksApplied,
			m.BlocksRejected,
		)
	}
	return m
}
